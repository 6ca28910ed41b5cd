// Package upstream is the library boundary to the remote authorization
// service. authorizer depends only on the Client interface; http.go
// supplies a reference implementation modeled on the 3scale backend's
// transaction/authorize API, but callers may substitute any Client.
package upstream

import "context"

// Params carries one authorization call's inputs: the service identifier,
// the credential fields themselves (flattened into the request the way the
// reference HTTP client expects, e.g. app_id/app_key or user_key), and any
// extensions (this core always requests the hierarchy extension).
type Params struct {
	ServiceID  string
	Extensions map[string]string
	Fields     map[string]string
}

// UsageReport is one metric's current standing against its limit, as
// reported by the upstream for one authorize call.
type UsageReport struct {
	Metric       string
	CurrentValue int64
	MaxValue     int64
}

// AuthResult is the normal (non-UpstreamUnavailable) outcome of an
// authorize call.
type AuthResult struct {
	Success        bool
	LimitsExceeded bool
	ErrorCode      string
	UsageReports   []UsageReport
	// Hierarchy maps a parent metric to its children. Metrics with no
	// children are absent from this map.
	Hierarchy map[string][]string
}

// UnavailableError indicates the upstream could not be reached at all
// (connection failure, server error) as opposed to returning a normal deny
// decision.
type UnavailableError struct {
	ServiceID string
	Cause     error
}

func (e *UnavailableError) Error() string {
	if e.Cause == nil {
		return "upstream: service " + e.ServiceID + " unavailable"
	}
	return "upstream: service " + e.ServiceID + " unavailable: " + e.Cause.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Client is the one seam authorizer depends on but does not implement:
// Authorize for plain API-key credentials, OAuthAuthorize for OAuth access
// tokens. Implementations must translate unreachability into
// *UnavailableError; any other error is allowed to propagate unwrapped.
type Client interface {
	Authorize(ctx context.Context, params Params) (AuthResult, error)
	OAuthAuthorize(ctx context.Context, params Params) (AuthResult, error)
}
