// Package authorizer turns one upstream authorize call into a per-metric
// authorization decision, applying hierarchy-aware limit propagation so a
// parent metric's denial cascades to its children without a separate
// upstream round trip.
package authorizer

import (
	"context"
	"sort"

	"github.com/ratecache/authflush/internal/authflush/authorization"
	"github.com/ratecache/authflush/internal/authflush/credentials"
	"github.com/ratecache/authflush/internal/authflush/upstream"
)

// Authorizer computes per-metric authorizations by delegating a single
// upstream call per invocation.
type Authorizer struct {
	client upstream.Client
}

// New returns an Authorizer calling client for every Authorizations
// invocation.
func New(client upstream.Client) *Authorizer {
	return &Authorizer{client: client}
}

// Authorizations calls the upstream once for serviceID/creds and returns a
// decision for every metric in reportedMetrics, plus any metric surfaced by
// the upstream's usage reports or hierarchy that reportedMetrics did not
// already name. An *upstream.UnavailableError propagates unwrapped; any
// other upstream error is also returned unwrapped, per the contract in
// upstream.Client.
func (a *Authorizer) Authorizations(
	ctx context.Context,
	serviceID string,
	creds credentials.Credentials,
	reportedMetrics []string,
) (map[string]authorization.Authorization, error) {
	params := upstream.Params{
		ServiceID:  serviceID,
		Extensions: map[string]string{"hierarchy": "1"},
		Fields:     creds.Fields,
	}

	var result upstream.AuthResult
	var err error
	if creds.OAuth {
		result, err = a.client.OAuthAuthorize(ctx, params)
	} else {
		result, err = a.client.Authorize(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	if !result.Success && !result.LimitsExceeded {
		denied := make(map[string]authorization.Authorization, len(reportedMetrics))
		for _, m := range reportedMetrics {
			denied[m] = authorization.Deny(result.ErrorCode)
		}
		return denied, nil
	}

	return authorizationsFromLimits(reportedMetrics, result), nil
}

// metricUsage groups one metric's usage reports together; a metric with no
// reports at all is treated as non-limited.
type metricUsage struct {
	reports []upstream.UsageReport
}

func (m metricUsage) withinLimits() bool {
	for _, r := range m.reports {
		if r.CurrentValue >= r.MaxValue {
			return false
		}
	}
	return true
}

func authorizationsFromLimits(
	reportedMetrics []string,
	result upstream.AuthResult,
) map[string]authorization.Authorization {
	usageByMetric := map[string]metricUsage{}
	for _, r := range result.UsageReports {
		u := usageByMetric[r.Metric]
		u.reports = append(u.reports, r)
		usageByMetric[r.Metric] = u
	}

	keySet := map[string]struct{}{}
	for _, m := range reportedMetrics {
		keySet[m] = struct{}{}
	}
	for m := range usageByMetric {
		keySet[m] = struct{}{}
	}
	for parent, children := range result.Hierarchy {
		keySet[parent] = struct{}{}
		for _, c := range children {
			keySet[c] = struct{}{}
		}
	}

	isParent := func(metric string) bool {
		_, ok := result.Hierarchy[metric]
		return ok
	}

	metrics := make([]string, 0, len(keySet))
	for m := range keySet {
		metrics = append(metrics, m)
	}
	// Parents must be decided before their children so a denial can
	// cascade in the same pass; ties broken lexicographically for
	// determinism.
	sort.Slice(metrics, func(i, j int) bool {
		pi, pj := isParent(metrics[i]), isParent(metrics[j])
		if pi != pj {
			return pi
		}
		return metrics[i] < metrics[j]
	})

	decisions := make(map[string]authorization.Authorization, len(metrics))
	for _, metric := range metrics {
		if _, decided := decisions[metric]; decided {
			continue
		}

		if usageByMetric[metric].withinLimits() {
			decisions[metric] = authorization.Allow()
			continue
		}

		decisions[metric] = authorization.DenyOverLimits()
		for _, child := range result.Hierarchy[metric] {
			decisions[child] = authorization.DenyOverLimits()
		}
	}

	return decisions
}
