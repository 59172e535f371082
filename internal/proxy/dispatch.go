package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cognitude/gateway/internal/providers"
	"github.com/cognitude/gateway/internal/registry"
	"github.com/cognitude/gateway/internal/router"
)

// upstreamResult is the single-flight value shared between the leader and
// its waiters: the canonical response plus the exact payload bytes that
// went into the cache.
type upstreamResult struct {
	resp      *providers.ChatResponse
	canonical chatCompletionResponse
	payload   []byte
	provider  string
}

// dispatchUpstream walks the routing plan until one attempt succeeds.
//
// Failure handling per attempt:
//   - transient (408/429/5xx, transport, timeout) — the provider is marked
//     failed and every later plan entry on it is skipped;
//   - model-transient (404/unknown model) — only that (provider, model)
//     pair is skipped, so the same provider may serve the next adequate
//     model;
//   - permanent (other 4xx) — dispatch stops immediately.
//
// Attempts are capped at maxDispatchAttempts. Breaker-open providers are
// skipped without consuming an attempt.
func (g *Gateway) dispatchUpstream(
	ctx context.Context,
	req *providers.ChatRequest,
	plan []router.Decision,
	candidates []registry.Candidate,
) (*upstreamResult, error) {

	keys := make(map[string]string, len(candidates))
	for _, c := range candidates {
		keys[c.Kind] = c.APIKey
	}

	primary := plan[0].Provider
	attempts := 0
	failedProviders := make(map[string]bool)
	failedPairs := make(map[string]bool)
	var lastErr error
	prevProvider := ""
	prevReason := ""

	for _, d := range plan {
		if attempts >= maxDispatchAttempts {
			break
		}
		if failedProviders[d.Provider] || failedPairs[d.Provider+"/"+d.Model] {
			continue
		}

		prov, ok := g.provs[d.Provider]
		if !ok {
			continue
		}
		apiKey, ok := keys[d.Provider]
		if !ok {
			continue
		}

		if g.cb != nil && !g.cb.Allow(d.Provider) {
			g.log.Warn("circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", d.Provider),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(d.Provider, g.cb.StateLabel(d.Provider))
				g.metrics.SetCircuitBreaker(d.Provider, int64(g.cb.State(d.Provider)))
			}
			continue
		}

		if prevProvider != "" && prevProvider != d.Provider && g.metrics != nil {
			g.metrics.RecordFailover(prevProvider, d.Provider, prevReason)
		}

		attemptReq := *req
		attemptReq.Model = d.Model

		attemptCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
		start := time.Now()
		resp, err := prov.Complete(attemptCtx, &attemptReq, apiKey)
		dur := time.Since(start)
		cancel()
		attempts++

		if err == nil {
			if g.cb != nil {
				g.cb.RecordSuccess(d.Provider)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(d.Provider, int64(g.cb.State(d.Provider)))
				}
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(d.Provider, "success", dur)
			}
			if d.Provider != primary {
				g.log.Info("failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", d.Provider),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
			}
			return buildResult(resp, d.Provider)
		}

		// ── Failure ───────────────────────────────────────────────────────
		if g.cb != nil {
			g.cb.RecordFailure(d.Provider)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(d.Provider, int64(g.cb.State(d.Provider)))
			}
		}

		class := providers.Classify(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(d.Provider, class.String(), dur)
		}
		g.log.Warn("provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", d.Provider),
			slog.String("model", d.Model),
			slog.String("class", class.String()),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = d.Provider
		prevReason = class.String()

		switch class {
		case providers.ClassPermanent:
			// Another provider cannot fix a rejected request.
			return nil, err
		case providers.ClassModelTransient:
			failedPairs[d.Provider+"/"+d.Model] = true
		default:
			failedProviders[d.Provider] = true
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider candidates available")
	}
	return nil, fmt.Errorf("dispatch: all candidates failed after %d attempt(s): %w", attempts, lastErr)
}

// buildResult freezes the canonical response and the payload bytes stored
// in the cache.
func buildResult(resp *providers.ChatResponse, provider string) (*upstreamResult, error) {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	canonical := chatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: resp.Choices,
		Usage:   resp.Usage,
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal response: %w", err)
	}
	return &upstreamResult{
		resp:      resp,
		canonical: canonical,
		payload:   payload,
		provider:  provider,
	}, nil
}
