// Package apierr provides the structured error envelope returned to
// clients, compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Error type constants.
const (
	TypeInvalidRequest     = "invalid_request_error"
	TypeAuthentication     = "authentication_error"
	TypePermission         = "permission_error"
	TypeNotFound           = "not_found_error"
	TypeRateLimit          = "rate_limit_error"
	TypeAPIError           = "api_error"
	TypeServiceUnavailable = "service_unavailable"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeNotFound          = "not_found"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInternalError     = "internal_error"
)

type (
	// APIError is the structured error body.
	APIError struct {
		Message    string `json:"message"`
		Type       string `json:"type"`
		Code       string `json:"code"`
		RetryAfter int64  `json:"retry_after,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	write(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

// WriteAuth writes a 401 authentication error.
func WriteAuth(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthentication, CodeInvalidAPIKey)
}

// WriteNotFound writes a 404 error.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeNotFound, CodeNotFound)
}

// WriteRateLimit writes a 429 with the Retry-After header and the
// retry_after body field, both in seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter int64) {
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	write(ctx, fasthttp.StatusTooManyRequests, APIError{
		Message:    "rate limit exceeded",
		Type:       TypeRateLimit,
		Code:       CodeRateLimitExceeded,
		RetryAfter: retryAfter,
	})
}

// WriteTimeout writes a 504 for an exhausted pipeline or upstream deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request timed out", TypeServiceUnavailable, CodeRequestTimeout)
}

// WriteUpstream maps an upstream HTTP status to the gateway response.
//
//	429      → 429 + Retry-After: 60
//	404      → 404 not_found_error
//	other 4xx → 502 api_error (the upstream rejected the translated request)
//	5xx/0    → 502 api_error
func WriteUpstream(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		write(ctx, fasthttp.StatusTooManyRequests, APIError{
			Message:    msg,
			Type:       TypeRateLimit,
			Code:       CodeRateLimitExceeded,
			RetryAfter: 60,
		})
	case upstreamStatus == fasthttp.StatusNotFound:
		Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFound, CodeNotFound)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeAPIError, CodeUpstreamError)
	}
}

func write(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}
