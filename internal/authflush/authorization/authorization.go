// Package authorization models the three-variant decision cached for every
// (application, metric) pair: allowed, denied, or denied because a usage
// limit was exceeded.
package authorization

// ReasonOverLimits is the stable, documented reason string used by
// DenyOverLimits. Callers may match on it to distinguish a limits-exceeded
// denial from any other deny reason without inspecting upstream error
// codes.
const ReasonOverLimits = "limits_exceeded"

// Authorization is a small tagged value: Allow, Deny (optionally carrying a
// reason), or DenyOverLimits (a Deny with the fixed ReasonOverLimits
// reason). The zero value is a reasonless Deny, so callers must use the
// constructors rather than a bare struct literal.
type Authorization struct {
	allowed bool
	reason  string
}

// Allow returns an authorized decision.
func Allow() Authorization {
	return Authorization{allowed: true}
}

// Deny returns a denied decision carrying an optional reason. An empty
// reason serializes without a reason suffix.
func Deny(reason string) Authorization {
	return Authorization{allowed: false, reason: reason}
}

// DenyOverLimits returns a denied decision with the fixed ReasonOverLimits
// reason.
func DenyOverLimits() Authorization {
	return Authorization{allowed: false, reason: ReasonOverLimits}
}

// Authorized reports whether the decision allows the request.
func (a Authorization) Authorized() bool {
	return a.allowed
}

// Reason returns the deny reason, or "" for Allow or a reasonless Deny.
func (a Authorization) Reason() string {
	return a.reason
}

// OverLimits reports whether a is specifically a limits-exceeded denial.
func (a Authorization) OverLimits() bool {
	return !a.allowed && a.reason == ReasonOverLimits
}

// Serialize renders the cache-string form: "1" for Allow, "0" for a
// reasonless Deny, "0:<reason>" otherwise.
func (a Authorization) Serialize() string {
	if a.allowed {
		return "1"
	}
	if a.reason == "" {
		return "0"
	}
	return "0:" + a.reason
}

// Parse is the inverse of Serialize, for callers reading the cache (client
// handlers with a fallback cache-read path, or tests).
func Parse(s string) Authorization {
	if s == "1" {
		return Allow()
	}
	if len(s) > 2 && s[:2] == "0:" {
		return Deny(s[2:])
	}
	return Deny("")
}
