// Package credentials models the opaque application identifier set used to
// authorize requests against the upstream and to key every cache entry for
// that application.
package credentials

import (
	"sort"
	"strings"
)

// Credentials is an opaque, unordered set of credential fields (for example
// app_id/app_key, or a single user_key) plus whether they authenticate an
// OAuth access token rather than a plain API key.
type Credentials struct {
	Fields map[string]string
	OAuth  bool
}

// New returns Credentials built from the given fields.
func New(fields map[string]string) Credentials {
	return Credentials{Fields: fields}
}

// NewOAuth returns OAuth Credentials carrying a single access_token field.
func NewOAuth(accessToken string) Credentials {
	return Credentials{Fields: map[string]string{"access_token": accessToken}, OAuth: true}
}

var escaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	",", "%2C",
)

// CanonicalString returns the sorted, escaped string form of c used in KV
// keys and channel names: "key1:escapedValue1,key2:escapedValue2,...", keys
// sorted lexicographically so the same credential set always produces the
// same string regardless of map iteration order. Values are escaped (% is
// escaped first, so the result remains unambiguous) because raw ':' or ','
// in a value would otherwise make the surrounding wire grammar ambiguous.
func (c Credentials) CanonicalString() string {
	keys := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+escaper.Replace(c.Fields[k]))
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer as the canonical form, so Credentials can
// be used directly in format verbs and log fields.
func (c Credentials) String() string {
	return c.CanonicalString()
}

var unescaper = strings.NewReplacer(
	"%3A", ":",
	"%2C", ",",
)

func unescapeValue(s string) string {
	// Reverse of escaper: ':' and ',' were escaped after '%', so they
	// must be unescaped before '%' to avoid turning a literal "%25" that
	// was itself escaping a ':' or ',' into the wrong character.
	return strings.ReplaceAll(unescaper.Replace(s), "%25", "%")
}

// ParseCanonical is the inverse of CanonicalString: it recovers the field
// map encoded in a wire-grammar credentials segment. Credentials whose only
// field is "access_token" are recognized as OAuth, matching NewOAuth.
func ParseCanonical(s string) Credentials {
	fields := map[string]string{}
	if s == "" {
		return Credentials{Fields: fields}
	}

	for _, segment := range strings.Split(s, ",") {
		idx := strings.Index(segment, ":")
		if idx < 0 {
			continue
		}
		key := segment[:idx]
		value := unescapeValue(segment[idx+1:])
		fields[key] = value
	}

	oauth := len(fields) == 1
	if oauth {
		if _, ok := fields["access_token"]; !ok {
			oauth = false
		}
	}
	return Credentials{Fields: fields, OAuth: oauth}
}
