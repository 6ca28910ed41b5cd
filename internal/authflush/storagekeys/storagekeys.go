// Package storagekeys is pure naming: derive KV keys and pub/sub channel
// names from (service, credentials, metric, suffix) tuples, and recover the
// components back out of a derived name. No package in this repository
// other than kv and storage should build these strings by hand.
package storagekeys

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ratecache/authflush/internal/authflush/credentials"
)

// AuthRequestsChannel is the single well-known channel client handlers
// publish cache-miss renewal requests to.
const AuthRequestsChannel = "auth_requests"

// ReportKeysSet is the set tracking every report hash currently accumulating
// usage, i.e. not yet claimed by a flush cycle.
const ReportKeysSet = "report_keys"

// AuditRecordsList is the KV list audit records are pushed onto.
const AuditRecordsList = "audit:records"

const (
	authPrefix      = "auth:"
	reportPrefix    = "report:"
	flushingPrefix  = "flushing_report_keys"
	toFlushPrefix   = "to_flush:"
	respChanPrefix  = "auths_resp:"
)

// AuthHashKey returns the KV hash key caching authorizations for one
// application: field = metric, value = serialized authorization.Authorization.
func AuthHashKey(serviceID string, creds credentials.Credentials) string {
	return authPrefix + serviceID + ":" + creds.CanonicalString()
}

// ReportHashKey returns the KV hash key accumulating usage counters for one
// application: field = metric, value = integer usage delta.
func ReportHashKey(serviceID string, creds credentials.Credentials) string {
	return reportPrefix + serviceID + ":" + creds.CanonicalString()
}

// FlushingReportKeysSet returns the set name a flush cycle renames
// ReportKeysSet to, for the duration of one atomic snapshot-and-rename
// cycle. suffix must be unique per cycle (see NewFlushSuffix).
func FlushingReportKeysSet(suffix string) string {
	return flushingPrefix + suffix
}

// NameKeyToFlush returns the name a report hash key is renamed to while
// being drained by a flush cycle.
func NameKeyToFlush(reportHashKey, suffix string) string {
	return toFlushPrefix + reportHashKey + suffix
}

// ServiceAndCreds recovers the (service, credentials) pair encoded in a
// flushed key produced by NameKeyToFlush, given the suffix used for that
// cycle. It returns the raw canonical-credentials string rather than a
// reconstructed credentials.Credentials, since the escaping in
// CanonicalString is not required to be decoded by this package.
func ServiceAndCreds(flushedKey, suffix string) (serviceID, canonicalCreds string, err error) {
	body := strings.TrimPrefix(flushedKey, toFlushPrefix)
	if body == flushedKey {
		return "", "", errors.Errorf("storagekeys: %q is not a to_flush key", flushedKey)
	}
	body = strings.TrimSuffix(body, suffix)

	original := strings.TrimPrefix(body, reportPrefix)
	if original == body {
		return "", "", errors.Errorf("storagekeys: %q does not decode to a report key", flushedKey)
	}

	idx := strings.Index(original, ":")
	if idx < 0 {
		return "", "", errors.Errorf("storagekeys: %q is missing the service/credentials separator", flushedKey)
	}
	return original[:idx], original[idx+1:], nil
}

// AuthRequest is the decoded form of a message on AuthRequestsChannel.
type AuthRequest struct {
	ServiceID string
	Creds     credentials.Credentials
	Metric    string
}

// EncodeAuthRequest renders the wire grammar
// "service_id:<s>,<creds-canonical>,metric:<m>" published by client
// handlers on a cache miss.
func EncodeAuthRequest(serviceID string, creds credentials.Credentials, metric string) string {
	return "service_id:" + serviceID + "," + creds.CanonicalString() + ",metric:" + metric
}

// DecodeAuthRequest parses the grammar EncodeAuthRequest produces. The
// credentials segment is unambiguous because credential values never
// contain a raw ':' or ',': everything between the first top-level comma
// (after "service_id:<s>") and the last top-level comma (before
// "metric:<m>") is the credentials segment.
func DecodeAuthRequest(message string) (AuthRequest, error) {
	const servicePrefix = "service_id:"
	const metricPrefix = "metric:"

	if !strings.HasPrefix(message, servicePrefix) {
		return AuthRequest{}, errors.Errorf("storagekeys: malformed auth request %q: missing service_id", message)
	}
	rest := message[len(servicePrefix):]

	firstComma := strings.Index(rest, ",")
	if firstComma < 0 {
		return AuthRequest{}, errors.Errorf("storagekeys: malformed auth request %q: missing credentials", message)
	}
	serviceID := rest[:firstComma]
	rest = rest[firstComma+1:]

	lastComma := strings.LastIndex(rest, ","+metricPrefix)
	if lastComma < 0 {
		return AuthRequest{}, errors.Errorf("storagekeys: malformed auth request %q: missing metric", message)
	}
	credsSegment := rest[:lastComma]
	metric := rest[lastComma+1+len(metricPrefix):]

	if metric == "" {
		return AuthRequest{}, errors.Errorf("storagekeys: malformed auth request %q: empty metric", message)
	}

	return AuthRequest{
		ServiceID: serviceID,
		Creds:     credentials.ParseCanonical(credsSegment),
		Metric:    metric,
	}, nil
}

// NewFlushSuffix returns a suffix unique to one flush cycle: an underscore,
// the UTC timestamp at second resolution, a dot, and 8 hex characters drawn
// from a fresh UUID. The timestamp alone cannot guarantee uniqueness when
// two cycles start within the same second, so the UUID entropy is what
// actually prevents a suffix collision; the timestamp is there purely so a
// human inspecting stranded to_flush keys can tell cycles apart at a
// glance.
func NewFlushSuffix(now time.Time) string {
	return "_" + now.UTC().Format("20060102150405") + "." + uuid.New().String()[:8]
}

// PubsubAuthsRespChannel returns the per-request response channel a
// renewal's result is published on. It is deterministic so that a client
// handler can subscribe before (or racing) the renewal completing.
func PubsubAuthsRespChannel(serviceID string, creds credentials.Credentials, metric string) string {
	return respChanPrefix + serviceID + ":" + creds.CanonicalString() + ":" + metric
}
