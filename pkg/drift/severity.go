package drift

import "time"

// TimeSeverity grades a deadline overrun: green within deadline, yellow up to
// 1.25x over, red beyond.
func TimeSeverity(elapsed, deadline time.Duration) Severity {
	if elapsed <= deadline {
		return SeverityGreen
	}
	if float64(elapsed) <= 1.25*float64(deadline) {
		return SeverityYellow
	}
	return SeverityRed
}

// FreshnessSeverity grades stale evidence that was still used: yellow when
// any TTL was exceeded, red when the stale evidence was tier 0.
func FreshnessSeverity(ttlExceeded bool, tier int) Severity {
	if !ttlExceeded {
		return SeverityGreen
	}
	if tier == 0 {
		return SeverityRed
	}
	return SeverityYellow
}

// VerifySeverity grades verification failures: yellow on a single failure,
// red when the failure touches tier 0 or has happened before.
func VerifySeverity(failures, tier int) Severity {
	if failures == 0 {
		return SeverityGreen
	}
	if tier == 0 || failures > 1 {
		return SeverityRed
	}
	return SeverityYellow
}

// BypassSeverity grades authority bypasses. A bypass is never green: at best
// it is an unreviewed shortcut, at worst a violation.
func BypassSeverity(authorityValid bool) Severity {
	if authorityValid {
		return SeverityYellow
	}
	return SeverityRed
}

// ContentionSeverity grades queue contention by occupancy ratio.
func ContentionSeverity(occupancy float64) Severity {
	switch {
	case occupancy < 0.8:
		return SeverityGreen
	case occupancy < 0.95:
		return SeverityYellow
	default:
		return SeverityRed
	}
}

// VolatilitySeverity grades confidence volatility by the observed swing
// amplitude over the window.
func VolatilitySeverity(swing float64) Severity {
	switch {
	case swing < 0.1:
		return SeverityGreen
	case swing < 0.3:
		return SeverityYellow
	default:
		return SeverityRed
	}
}
