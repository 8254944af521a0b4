// Package classifier inspects an inbound HTTP request and decides whether it
// is an FRL activation, FRL deactivation, NUL log upload, health probe,
// control endpoint, or unknown. Classification is pure: it never touches the
// Durable Store.
package classifier

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the classified request kind.
type Kind string

const (
	KindFRLActivate   Kind = "FRL_ACTIVATE"
	KindFRLDeactivate Kind = "FRL_DEACTIVATE"
	KindLogUpload     Kind = "LOG_UPLOAD"
	KindHealth        Kind = "HEALTH"
	KindControl       Kind = "CONTROL"
	KindUnknown       Kind = "UNKNOWN"
)

// Target is the upstream an FRL/log request should be routed to.
type Target string

const (
	TargetNone    Target = ""
	TargetLicense Target = "LICENSE"
	TargetLog     Target = "LOG"
)

// Identity is the fingerprint-relevant field tuple pulled out of an
// activation or deactivation request.
type Identity struct {
	NpdID    string
	DeviceID string
	OsUserID string
	AppID    string
}

// Classification is the result of classifying one inbound request.
type Classification struct {
	Kind     Kind
	Target   Target
	Identity Identity
}

// ErrMalformed indicates a classified-looking request with an unparseable
// or incomplete body; callers surface this as HTTP 400 without journaling.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return fmt.Sprintf("malformed request: %s", e.Reason) }

const (
	activationSegment  = "/asnp/frl_connected/values/"
	deactivationSuffix = "/asnp/frl_connected/v1"
	logUploadSegment   = "/ulecs/v1"
	statusPath         = "/status"
	controlPrefix      = "/control/"
)

// Classify inspects method, path, headers, and body and returns the
// classified request, or an *ErrMalformed if it looks like an FRL request
// but fails to parse.
func Classify(method, path string, headers http.Header, body []byte) (Classification, error) {
	pathOnly := path
	if idx := strings.IndexByte(pathOnly, '?'); idx >= 0 {
		pathOnly = pathOnly[:idx]
	}
	norm := normalizePath(pathOnly)

	switch {
	case norm == statusPath && method == http.MethodGet:
		return Classification{Kind: KindHealth}, nil

	case strings.HasPrefix(norm, controlPrefix):
		return Classification{Kind: KindControl}, nil

	case method == http.MethodPost && strings.Contains(norm, logUploadSegment) && headers.Get("X-Api-Key") != "":
		return Classification{Kind: KindLogUpload, Target: TargetLog}, nil

	case method == http.MethodPost && strings.Contains(norm, activationSegment):
		id, err := extractIdentityFromBody(body)
		if err != nil {
			return Classification{}, err
		}
		return Classification{Kind: KindFRLActivate, Target: TargetLicense, Identity: id}, nil

	case method == http.MethodDelete && strings.HasSuffix(norm, deactivationSuffix):
		id, err := extractIdentityFromQuery(path)
		if err != nil {
			return Classification{}, err
		}
		return Classification{Kind: KindFRLDeactivate, Target: TargetLicense, Identity: id}, nil

	default:
		return Classification{Kind: KindUnknown}, nil
	}
}

// normalizePath collapses duplicate slashes so "//asnp/..." and "/asnp/..."
// match identically. It drops every empty segment, so a trailing slash is
// removed as well ("/status/" becomes "/status").
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	var kept []string
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		kept = append(kept, seg)
	}
	return "/" + strings.Join(kept, "/")
}

func extractIdentityFromBody(body []byte) (Identity, error) {
	if !gjson.ValidBytes(body) {
		return Identity{}, &ErrMalformed{Reason: "body is not valid JSON"}
	}

	results := gjson.GetManyBytes(body,
		"npdId", "deviceDetails.deviceId", "deviceDetails.osUserId", "appDetails.nglAppId")

	id := Identity{
		NpdID:    results[0].String(),
		DeviceID: results[1].String(),
		OsUserID: results[2].String(),
		AppID:    results[3].String(),
	}
	if id.NpdID == "" || id.DeviceID == "" || id.OsUserID == "" || id.AppID == "" {
		return Identity{}, &ErrMalformed{Reason: "missing required activation fields"}
	}
	return id, nil
}

func extractIdentityFromQuery(rawPath string) (Identity, error) {
	idx := strings.IndexByte(rawPath, '?')
	if idx < 0 {
		return Identity{}, &ErrMalformed{Reason: "missing required deactivation query parameters"}
	}
	values := parseQuery(rawPath[idx+1:])

	id := Identity{
		NpdID:    values["npdId"],
		DeviceID: values["deviceId"],
		OsUserID: values["osUserId"],
	}
	if id.NpdID == "" || id.DeviceID == "" || id.OsUserID == "" {
		return Identity{}, &ErrMalformed{Reason: "missing required deactivation query parameters"}
	}
	return id, nil
}

func parseQuery(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out[k] = v
	}
	return out
}
