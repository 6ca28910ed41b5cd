package upstream

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/parnurzeal/gorequest"
	"github.com/pkg/errors"
)

// HTTPClient is the reference Client implementation, modeled on the 3scale
// backend's transaction/authorize API: a service token or provider key
// authenticates the call, credentials arrive as app_id/app_key or a single
// user_key, and the hierarchy extension is requested via the
// "3scale-options" header the same way the real backend expects it.
//
// Its correctness against any specific backend version is not part of this
// daemon's contract; authorizer depends only on the Client interface, and a
// caller integrating against a different upstream is expected to supply
// its own implementation.
type HTTPClient struct {
	BaseURL      string
	ServiceToken string
}

// NewHTTPClient returns an HTTPClient targeting baseURL (e.g.
// "https://su1.3scale.net") authenticated with serviceToken.
func NewHTTPClient(baseURL, serviceToken string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), ServiceToken: serviceToken}
}

// Authorize implements Client for plain API-key credentials.
func (c *HTTPClient) Authorize(ctx context.Context, params Params) (AuthResult, error) {
	return c.authorize(ctx, params)
}

// OAuthAuthorize implements Client for OAuth access-token credentials,
// hitting the backend's oauth_authorize endpoint instead.
func (c *HTTPClient) OAuthAuthorize(ctx context.Context, params Params) (AuthResult, error) {
	return c.authorize(ctx, params, "oauth_authorize.xml")
}

func (c *HTTPClient) authorize(ctx context.Context, params Params, pathOverride ...string) (AuthResult, error) {
	path := "/transactions/authorize.xml"
	if len(pathOverride) > 0 {
		path = "/transactions/" + pathOverride[0]
	}

	agent := gorequest.New()
	req := agent.Get(c.BaseURL + path).
		WithContext(ctx).
		Set("3scale-options", "hierarchy=1").
		Query(map[string]string{"service_token": c.ServiceToken, "service_id": params.ServiceID})

	for k, v := range params.Fields {
		req = req.Query(map[string]string{k: v})
	}
	for k, v := range params.Extensions {
		req = req.Set("3scale-"+k, v)
	}

	resp, body, errs := req.End()
	if len(errs) > 0 {
		return AuthResult{}, &UnavailableError{ServiceID: params.ServiceID, Cause: errs[0]}
	}
	if resp.StatusCode >= 500 {
		return AuthResult{}, &UnavailableError{
			ServiceID: params.ServiceID,
			Cause:     errors.Errorf("upstream returned status %d", resp.StatusCode),
		}
	}

	return parseAuthorizeResponse(body)
}

// xmlErrorRoot matches the backend's error response shape, where <error> is
// the document root rather than nested under <status>.
type xmlErrorRoot struct {
	XMLName xml.Name `xml:"error"`
	Code    string   `xml:"code,attr"`
	Message string   `xml:",chardata"`
}

// xmlStatus matches the backend's success/deny response shape.
type xmlStatus struct {
	Status       string `xml:"authorized,omitempty"`
	Reason       string `xml:"reason,omitempty"`
	PlanName     string `xml:"plan"`
	UsageReports struct {
		Reports []xmlUsageReport `xml:"usage_report"`
	} `xml:"usage_reports"`
	Hierarchy struct {
		Metrics []xmlHierarchyMetric `xml:"metric"`
	} `xml:"hierarchy"`
}

type xmlUsageReport struct {
	Metric       string `xml:"metric,attr"`
	CurrentValue int64  `xml:"current_value"`
	MaxValue     int64  `xml:"max_value"`
}

type xmlHierarchyMetric struct {
	Name     string `xml:"name,attr"`
	Children string `xml:"children,attr"`
}

func parseAuthorizeResponse(body string) (AuthResult, error) {
	result := AuthResult{
		Hierarchy: map[string][]string{},
	}

	var errRoot xmlErrorRoot
	if err := xml.Unmarshal([]byte(body), &errRoot); err == nil && errRoot.Code != "" {
		result.ErrorCode = errRoot.Code
		result.Success = false
		result.LimitsExceeded = errRoot.Code == "limits_exceeded" || errRoot.Code == "usage_limits_exceeded"
		return result, nil
	}

	var parsed xmlStatus
	if err := xml.Unmarshal([]byte(body), &parsed); err != nil {
		return AuthResult{}, errors.Wrap(err, "upstream: decoding authorize response")
	}
	result.Success = parsed.Status != "false"

	for _, r := range parsed.UsageReports.Reports {
		result.UsageReports = append(result.UsageReports, UsageReport{
			Metric:       r.Metric,
			CurrentValue: r.CurrentValue,
			MaxValue:     r.MaxValue,
		})
		if r.CurrentValue >= r.MaxValue && r.MaxValue > 0 {
			result.LimitsExceeded = true
		}
	}

	for _, m := range parsed.Hierarchy.Metrics {
		if m.Children == "" {
			continue
		}
		result.Hierarchy[m.Name] = strings.Fields(m.Children)
	}

	return result, nil
}

var _ fmt.Stringer = (*HTTPClient)(nil)

// String implements fmt.Stringer for log fields.
func (c *HTTPClient) String() string {
	return "upstream.HTTPClient{" + c.BaseURL + "}"
}
