package authorizer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratecache/authflush/internal/authflush/authorizer"
	"github.com/ratecache/authflush/internal/authflush/credentials"
	"github.com/ratecache/authflush/internal/authflush/upstream"
)

type fakeClient struct {
	result        upstream.AuthResult
	err           error
	oauthCalled   bool
	lastParams    upstream.Params
}

func (f *fakeClient) Authorize(_ context.Context, params upstream.Params) (upstream.AuthResult, error) {
	f.lastParams = params
	return f.result, f.err
}

func (f *fakeClient) OAuthAuthorize(_ context.Context, params upstream.Params) (upstream.AuthResult, error) {
	f.oauthCalled = true
	f.lastParams = params
	return f.result, f.err
}

func TestAuthorizations_AllowsWithinLimits(t *testing.T) {
	client := &fakeClient{result: upstream.AuthResult{
		Success: true,
		UsageReports: []upstream.UsageReport{
			{Metric: "hits", CurrentValue: 10, MaxValue: 1000},
		},
	}}
	a := authorizer.New(client)

	got, err := a.Authorizations(context.Background(), "svc1", credentials.New(map[string]string{"user_key": "uk"}), []string{"hits"})
	require.NoError(t, err)
	assert.True(t, got["hits"].Authorized())
}

func TestAuthorizations_DenyOverLimitsCascadesToChildren(t *testing.T) {
	client := &fakeClient{result: upstream.AuthResult{
		Success:        true,
		LimitsExceeded: true,
		UsageReports: []upstream.UsageReport{
			{Metric: "hits", CurrentValue: 1000, MaxValue: 1000},
		},
		Hierarchy: map[string][]string{"hits": {"search", "update"}},
	}}
	a := authorizer.New(client)

	got, err := a.Authorizations(context.Background(), "svc1", credentials.New(nil), []string{"hits", "search", "update"})
	require.NoError(t, err)
	assert.True(t, got["hits"].OverLimits())
	assert.True(t, got["search"].OverLimits())
	assert.True(t, got["update"].OverLimits())
}

func TestAuthorizations_MetricWithNoUsageReportIsAllowed(t *testing.T) {
	client := &fakeClient{result: upstream.AuthResult{Success: true}}
	a := authorizer.New(client)

	got, err := a.Authorizations(context.Background(), "svc1", credentials.New(nil), []string{"unreported_metric"})
	require.NoError(t, err)
	assert.True(t, got["unreported_metric"].Authorized())
}

func TestAuthorizations_HardFailureDeniesEveryReportedMetric(t *testing.T) {
	client := &fakeClient{result: upstream.AuthResult{Success: false, LimitsExceeded: false, ErrorCode: "application_not_found"}}
	a := authorizer.New(client)

	got, err := a.Authorizations(context.Background(), "svc1", credentials.New(nil), []string{"hits", "search"})
	require.NoError(t, err)
	assert.False(t, got["hits"].Authorized())
	assert.Equal(t, "application_not_found", got["hits"].Reason())
	assert.False(t, got["search"].Authorized())
}

func TestAuthorizations_UpstreamErrorPropagatesUnwrapped(t *testing.T) {
	cause := &upstream.UnavailableError{ServiceID: "svc1"}
	client := &fakeClient{err: cause}
	a := authorizer.New(client)

	_, err := a.Authorizations(context.Background(), "svc1", credentials.New(nil), []string{"hits"})
	assert.Same(t, cause, err)
}

func TestAuthorizations_UsesOAuthAuthorizeForOAuthCredentials(t *testing.T) {
	client := &fakeClient{result: upstream.AuthResult{Success: true}}
	a := authorizer.New(client)

	_, err := a.Authorizations(context.Background(), "svc1", credentials.NewOAuth("tok"), []string{"hits"})
	require.NoError(t, err)
	assert.True(t, client.oauthCalled)
}

func TestAuthorizations_RequestsHierarchyExtension(t *testing.T) {
	client := &fakeClient{result: upstream.AuthResult{Success: true}}
	a := authorizer.New(client)

	_, err := a.Authorizations(context.Background(), "svc1", credentials.New(nil), []string{"hits"})
	require.NoError(t, err)
	assert.Equal(t, "1", client.lastParams.Extensions["hierarchy"])
}

func TestAuthorizations_ParentDecidedBeforeIndependentChildDoesNotOverrideOwnUsage(t *testing.T) {
	// A metric that is both a listed child and has its own usage report
	// still gets evaluated on its own usage if its parent allows.
	client := &fakeClient{result: upstream.AuthResult{
		Success: true,
		UsageReports: []upstream.UsageReport{
			{Metric: "hits", CurrentValue: 1, MaxValue: 1000},
			{Metric: "search", CurrentValue: 50, MaxValue: 100},
		},
		Hierarchy: map[string][]string{"hits": {"search"}},
	}}
	a := authorizer.New(client)

	got, err := a.Authorizations(context.Background(), "svc1", credentials.New(nil), []string{"hits", "search"})
	require.NoError(t, err)
	assert.True(t, got["hits"].Authorized())
	assert.True(t, got["search"].Authorized())
}
