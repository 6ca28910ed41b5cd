package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthorizeResponse_Success(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<status>
  <authorized>true</authorized>
  <plan>Basic</plan>
  <usage_reports>
    <usage_report metric="hits" period="month">
      <current_value>10</current_value>
      <max_value>1000</max_value>
    </usage_report>
  </usage_reports>
  <hierarchy>
    <metric name="hits" children="search update" />
  </hierarchy>
</status>`

	result, err := parseAuthorizeResponse(body)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.LimitsExceeded)
	require.Len(t, result.UsageReports, 1)
	assert.Equal(t, "hits", result.UsageReports[0].Metric)
	assert.Equal(t, int64(10), result.UsageReports[0].CurrentValue)
	assert.Equal(t, []string{"search", "update"}, result.Hierarchy["hits"])
}

func TestParseAuthorizeResponse_LimitsExceededFromUsage(t *testing.T) {
	body := `<status>
  <authorized>true</authorized>
  <usage_reports>
    <usage_report metric="hits" period="month">
      <current_value>1000</current_value>
      <max_value>1000</max_value>
    </usage_report>
  </usage_reports>
</status>`

	result, err := parseAuthorizeResponse(body)
	require.NoError(t, err)
	assert.True(t, result.LimitsExceeded)
}

func TestParseAuthorizeResponse_ErrorCode(t *testing.T) {
	body := `<error code="usage_limits_exceeded">Usage limits are exceeded</error>`

	result, err := parseAuthorizeResponse(body)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.LimitsExceeded)
	assert.Equal(t, "usage_limits_exceeded", result.ErrorCode)
}

func TestParseAuthorizeResponse_InvalidCredentialsIsNotLimitsExceeded(t *testing.T) {
	body := `<error code="application_not_found">application not found</error>`

	result, err := parseAuthorizeResponse(body)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.LimitsExceeded)
	assert.Equal(t, "application_not_found", result.ErrorCode)
}

func TestUnavailableError_Unwrap(t *testing.T) {
	cause := assert.AnError
	err := &UnavailableError{ServiceID: "svc1", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "svc1")
}
