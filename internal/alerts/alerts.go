// Package alerts evaluates tenant spend and usage thresholds on a schedule
// and dispatches notifications through configured channels.
package alerts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Alert kinds.
const (
	KindDailyCost        = "daily_cost"
	KindMonthlyCost      = "monthly_cost"
	KindRateLimitWarning = "rate_limit_warning"
	KindCacheHitWarning  = "cache_hit_warning"
)

// Channel kinds.
const (
	ChannelEmail       = "email"
	ChannelChatWebhook = "chat_webhook"
	ChannelWebhook     = "webhook"
)

// ValidKind reports whether kind names a supported alert kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindDailyCost, KindMonthlyCost, KindRateLimitWarning, KindCacheHitWarning:
		return true
	}
	return false
}

// ValidChannelKind reports whether kind names a supported channel kind.
func ValidChannelKind(kind string) bool {
	switch kind {
	case ChannelEmail, ChannelChatWebhook, ChannelWebhook:
		return true
	}
	return false
}

// Alert is the canonical payload rendered into each channel's shape.
type Alert struct {
	Kind       string          `json:"kind"`
	OrgName    string          `json:"organization"`
	Threshold  decimal.Decimal `json:"threshold"`
	Observed   decimal.Decimal `json:"observed"`
	Window     string          `json:"window"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Subject builds the one-line summary used as the email subject and the
// chat message headline.
func (a Alert) Subject() string {
	switch a.Kind {
	case KindDailyCost:
		return fmt.Sprintf("[cognitude] %s: daily cost $%s crossed threshold $%s",
			a.OrgName, a.Observed.StringFixed(2), a.Threshold.StringFixed(2))
	case KindMonthlyCost:
		return fmt.Sprintf("[cognitude] %s: monthly cost $%s crossed threshold $%s",
			a.OrgName, a.Observed.StringFixed(2), a.Threshold.StringFixed(2))
	case KindRateLimitWarning:
		return fmt.Sprintf("[cognitude] %s: rate limit utilization %s%% over threshold %s%%",
			a.OrgName, a.Observed.StringFixed(0), a.Threshold.StringFixed(0))
	case KindCacheHitWarning:
		return fmt.Sprintf("[cognitude] %s: cache hit rate %s%% below threshold %s%%",
			a.OrgName, a.Observed.StringFixed(0), a.Threshold.StringFixed(0))
	default:
		return fmt.Sprintf("[cognitude] %s: %s alert", a.OrgName, a.Kind)
	}
}

// HTMLBody renders the email body.
func (a Alert) HTMLBody() string {
	return fmt.Sprintf(
		`<html><body>
<h2>%s</h2>
<table>
<tr><td>Organization</td><td>%s</td></tr>
<tr><td>Alert</td><td>%s</td></tr>
<tr><td>Window</td><td>%s</td></tr>
<tr><td>Threshold</td><td>%s</td></tr>
<tr><td>Observed</td><td>%s</td></tr>
<tr><td>Detected</td><td>%s</td></tr>
</table>
</body></html>`,
		a.Subject(), a.OrgName, a.Kind, a.Window,
		a.Threshold.StringFixed(6), a.Observed.StringFixed(6),
		a.DetectedAt.UTC().Format(time.RFC3339),
	)
}
