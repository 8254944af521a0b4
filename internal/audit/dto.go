package audit

import "time"

// Log is a one-way observability record of a resolved client request. It is
// independent of the durable store: losing it never affects caching or
// replay, which live entirely in internal/store.
type Log struct {
	Timestamp      time.Time           `json:"timestamp"`
	RequestID      string              `json:"request_id"`
	Kind           string              `json:"kind"`
	Method         string              `json:"method"`
	URL            string              `json:"url"`
	Headers        map[string][]string `json:"headers"`
	Outcome        string              `json:"outcome"` // served_from_cache|forwarded_ok|forwarded_fail|deferred|rejected
	UpstreamStatus int                 `json:"upstream_status,omitempty"`
	Fingerprint    string              `json:"fingerprint,omitempty"`
}
