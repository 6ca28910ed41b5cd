package credentials_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ratecache/authflush/internal/authflush/credentials"
)

func TestCanonicalString_SortsKeys(t *testing.T) {
	a := credentials.New(map[string]string{"app_key": "k1", "app_id": "a1"})
	b := credentials.New(map[string]string{"app_id": "a1", "app_key": "k1"})

	assert.Equal(t, a.CanonicalString(), b.CanonicalString())
	assert.Equal(t, "app_id:a1,app_key:k1", a.CanonicalString())
}

func TestCanonicalString_EscapesReservedCharacters(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"colon", "a:b", "a%3Ab"},
		{"comma", "a,b", "a%2Cb"},
		{"percent", "a%b", "a%25b"},
		{"percent before other escapes", "a%3Ab", "a%253Ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := credentials.New(map[string]string{"user_key": tc.in})
			assert.Equal(t, "user_key:"+tc.want, c.CanonicalString())
		})
	}
}

func TestNewOAuth(t *testing.T) {
	c := credentials.NewOAuth("token-123")
	assert.True(t, c.OAuth)
	assert.Equal(t, "access_token:token-123", c.CanonicalString())
}

func TestString_MatchesCanonicalString(t *testing.T) {
	c := credentials.New(map[string]string{"user_key": "uk1"})
	assert.Equal(t, c.CanonicalString(), c.String())
}

func TestParseCanonical_RoundTrips(t *testing.T) {
	cases := []credentials.Credentials{
		credentials.New(map[string]string{"app_id": "a1", "app_key": "k1"}),
		credentials.New(map[string]string{"user_key": "a:b,c%d"}),
		credentials.NewOAuth("tok123"),
	}
	for _, c := range cases {
		got := credentials.ParseCanonical(c.CanonicalString())
		assert.Equal(t, c.Fields, got.Fields)
		assert.Equal(t, c.OAuth, got.OAuth)
	}
}
