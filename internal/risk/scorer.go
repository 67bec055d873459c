package risk

import (
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/signals"
)

// Scoring reason codes.
const (
	ReasonVelocityMinute  = "velocity_minute"
	ReasonVelocityHour    = "velocity_hour"
	ReasonVelocityDay     = "velocity_day"
	ReasonChargebacks     = "chargebacks_90d"
	ReasonBlockedCountry  = "blocked_country"
	ReasonDisposableEmail = "disposable_email"
	ReasonBotVerified     = "bot_verified"
)

// Score is the additive risk function. It is pure: the same signals and
// snapshot always give the same score and reasons, in the same order.
//
// With several signals, velocity uses the per-window maximum, chargebacks
// the maximum count, and each flag fires if any signal carries it.
func Score(sigs []*signals.FraudSignal, cfg *riskconfig.Snapshot) (int, []string) {
	var (
		vMinute, vHour, vDay int64
		chargebacks          int
		blocked, disposable  bool
		verified             bool
	)
	for _, s := range sigs {
		if s == nil {
			continue
		}
		v := s.MaxVelocity()
		vMinute = max(vMinute, v.Minute)
		vHour = max(vHour, v.Hour)
		vDay = max(vDay, v.Day)
		chargebacks = max(chargebacks, s.Chargebacks90d)
		blocked = blocked || cfg.IsBlockedCountry(s.Country)
		disposable = disposable || cfg.IsDisposableDomain(s.EmailDomain)
		verified = verified || (s.BotDefense != nil && s.BotDefense.Verified)
	}

	w := cfg.Weights
	th := cfg.VelocityThresholds
	score := 0
	reasons := []string{}

	if vMinute > th.Minute {
		score += w.VelocityMinute
		reasons = append(reasons, ReasonVelocityMinute)
	}
	if vHour > th.Hour {
		score += w.VelocityHour
		reasons = append(reasons, ReasonVelocityHour)
	}
	if vDay > th.Day {
		score += w.VelocityDay
		reasons = append(reasons, ReasonVelocityDay)
	}
	if chargebacks > 0 {
		score += chargebacks * w.PerChargeback
		reasons = append(reasons, ReasonChargebacks)
	}
	if blocked {
		score += w.BlockedCountry
		reasons = append(reasons, ReasonBlockedCountry)
	}
	if disposable {
		score += w.DisposableEmail
		reasons = append(reasons, ReasonDisposableEmail)
	}
	if verified {
		score -= w.VerifiedBotBonus
		reasons = append(reasons, ReasonBotVerified)
	}

	return max(0, min(score, 100)), reasons
}

// VerdictFor maps a score onto the three-way verdict for threshold t:
// below 70% of t is allow, below t is review, otherwise deny. Integer
// arithmetic keeps the 70% boundary exact.
func VerdictFor(score, t int) Verdict {
	switch {
	case score*10 < 7*t:
		return VerdictAllow
	case score < t:
		return VerdictReview
	default:
		return VerdictDeny
	}
}

// ActionFor maps a score onto the four-way action. Allow and Challenge
// are exclusive upper bounds; Deny is an inclusive lower bound, and the
// band between Challenge and Deny is queued for human review.
func ActionFor(score int, t riskconfig.ActionThresholds) Action {
	switch {
	case score < t.Allow:
		return ActionAllow
	case score < t.Challenge:
		return ActionChallenge
	case score < t.Deny:
		return ActionQueueReview
	default:
		return ActionDeny
	}
}
