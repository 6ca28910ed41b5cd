package authorization_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ratecache/authflush/internal/authflush/authorization"
)

func TestSerialize(t *testing.T) {
	cases := []struct {
		name string
		auth authorization.Authorization
		want string
	}{
		{"allow", authorization.Allow(), "1"},
		{"deny no reason", authorization.Deny(""), "0"},
		{"deny with reason", authorization.Deny("usage_limits_exceeded"), "0:usage_limits_exceeded"},
		{"deny over limits", authorization.DenyOverLimits(), "0:limits_exceeded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.auth.Serialize())
		})
	}
}

func TestParse_RoundTrips(t *testing.T) {
	cases := []authorization.Authorization{
		authorization.Allow(),
		authorization.Deny(""),
		authorization.Deny("some_reason"),
		authorization.DenyOverLimits(),
	}
	for _, auth := range cases {
		got := authorization.Parse(auth.Serialize())
		assert.Equal(t, auth.Authorized(), got.Authorized())
		assert.Equal(t, auth.Reason(), got.Reason())
	}
}

func TestOverLimits(t *testing.T) {
	assert.True(t, authorization.DenyOverLimits().OverLimits())
	assert.True(t, authorization.Deny("limits_exceeded").OverLimits())
	assert.False(t, authorization.Deny("other").OverLimits())
	assert.False(t, authorization.Allow().OverLimits())
}
