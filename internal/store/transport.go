package store

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gorm.io/gorm/clause"
)

// SchemaVersion is the export/import blob format version, bumped whenever a
// field is added or removed from exportHeader/exportRequest/exportResponse.
const SchemaVersion = 2

type exportHeader struct {
	Kind          string    `json:"kind"`
	SchemaVersion int       `json:"schema_version"`
	OriginID      string    `json:"origin_id"`
	ExportedAt    time.Time `json:"exported_at"`
}

type exportRequest struct {
	Kind           string            `json:"kind"`
	ID             string            `json:"id"`
	RequestKind    Kind              `json:"request_kind"`
	Fingerprint    string            `json:"fingerprint"`
	CorrelationKey string            `json:"correlation_key"`
	ReceivedAt     time.Time         `json:"received_at"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers"`
	BodyB64        string            `json:"body_base64"`
	Target         Target            `json:"target"`
}

type exportResponse struct {
	Kind        string    `json:"kind"`
	RequestID   string    `json:"request_id"`
	Status      int       `json:"status"`
	Headers     map[string]string `json:"headers"`
	BodyB64     string    `json:"body_base64"`
	IsCacheable bool      `json:"is_cacheable"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ExportPending writes the self-describing framed-JSON-lines blob of spec §6:
// a header record, then one record per PENDING StoredRequest.
func (s *Store) ExportPending(w io.Writer, originID string) (int, error) {
	enc := json.NewEncoder(w)
	if err := enc.Encode(exportHeader{
		Kind:          "header",
		SchemaVersion: SchemaVersion,
		OriginID:      originID,
		ExportedAt:    time.Now().UTC(),
	}); err != nil {
		return 0, fmt.Errorf("writing export header: %w", err)
	}

	var rows []StoredRequest
	if err := s.db.Where("state = ?", StatePending).Order("received_at ASC").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("loading pending requests: %w", err)
	}

	for _, r := range rows {
		rec := exportRequest{
			Kind:           "request",
			ID:             r.ID,
			RequestKind:    r.Kind,
			Fingerprint:    r.Fingerprint,
			CorrelationKey: r.CorrelationKey,
			ReceivedAt:     r.ReceivedAt,
			Method:         r.Method,
			Path:           r.Path,
			Headers:        DecodeHeaders(r.Headers),
			BodyB64:        base64.StdEncoding.EncodeToString(r.Body),
			Target:         r.Target,
		}
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("writing request %s: %w", r.ID, err)
		}
	}
	return len(rows), nil
}

// ExportResponses writes one response record per StoredResponse belonging to
// the given request ids, used for the "export responses back" leg of the
// sneaker-net round trip.
func (s *Store) ExportResponses(w io.Writer, requestIDs []string) (int, error) {
	enc := json.NewEncoder(w)
	var rows []StoredResponse
	if err := s.db.Where("request_id IN ?", requestIDs).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("loading responses: %w", err)
	}
	for _, r := range rows {
		rec := exportResponse{
			Kind:        "response",
			RequestID:   r.RequestID,
			Status:      r.Status,
			Headers:     DecodeHeaders(r.Headers),
			BodyB64:     base64.StdEncoding.EncodeToString(r.Body),
			IsCacheable: r.IsCacheable,
			ReceivedAt:  r.ReceivedAt,
		}
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("writing response for %s: %w", r.RequestID, err)
		}
	}
	return len(rows), nil
}

// ImportBlob reads a framed-JSON-lines blob produced by ExportPending or
// ExportResponses and applies it. Requests are inserted as PENDING if not
// already present (by id); responses are applied via RecordSuccess so the
// owning request transitions to FORWARDED. A cacheable FRL_ACTIVATE response
// is cached, and a cacheable FRL_DEACTIVATE response evicts every cache entry
// sharing the request's correlation key.
func (s *Store) ImportBlob(r io.Reader) (requests, responses int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 16*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return requests, responses, fmt.Errorf("decoding record: %w", err)
		}

		switch probe.Kind {
		case "header":
			var h exportHeader
			if err := json.Unmarshal(line, &h); err != nil {
				return requests, responses, fmt.Errorf("decoding header: %w", err)
			}
			if h.SchemaVersion != SchemaVersion {
				return requests, responses, fmt.Errorf("unsupported blob schema version %d", h.SchemaVersion)
			}
		case "request":
			var rec exportRequest
			if err := json.Unmarshal(line, &rec); err != nil {
				return requests, responses, fmt.Errorf("decoding request: %w", err)
			}
			body, decErr := base64.StdEncoding.DecodeString(rec.BodyB64)
			if decErr != nil {
				return requests, responses, fmt.Errorf("decoding body for %s: %w", rec.ID, decErr)
			}
			req := StoredRequest{
				ID:             rec.ID,
				Kind:           rec.RequestKind,
				Fingerprint:    rec.Fingerprint,
				CorrelationKey: rec.CorrelationKey,
				ReceivedAt:     rec.ReceivedAt,
				Method:         rec.Method,
				Path:           rec.Path,
				Headers:        EncodeHeaders(rec.Headers),
				Body:           body,
				Target:         rec.Target,
				State:          StatePending,
			}
			if err := s.db.Clauses(ignoreExistingRequest).Create(&req).Error; err != nil {
				return requests, responses, fmt.Errorf("importing request %s: %w", rec.ID, err)
			}
			requests++
		case "response":
			var rec exportResponse
			if err := json.Unmarshal(line, &rec); err != nil {
				return requests, responses, fmt.Errorf("decoding response: %w", err)
			}
			body, decErr := base64.StdEncoding.DecodeString(rec.BodyB64)
			if decErr != nil {
				return requests, responses, fmt.Errorf("decoding response body for %s: %w", rec.RequestID, decErr)
			}

			req, lookupErr := s.RequestByID(rec.RequestID)
			if lookupErr != nil {
				return requests, responses, lookupErr
			}
			if req.State != StatePending {
				continue // already resolved locally; import is at-most-once
			}

			resp := &StoredResponse{
				Status:      rec.Status,
				Headers:     EncodeHeaders(rec.Headers),
				Body:        body,
				IsCacheable: rec.IsCacheable,
			}
			if err := s.RecordSuccess(rec.RequestID, resp); err != nil {
				return requests, responses, fmt.Errorf("applying response for %s: %w", rec.RequestID, err)
			}
			switch {
			case rec.IsCacheable && req.Kind == KindFRLActivate:
				if err := s.StoreCache(req.Kind, req.Fingerprint, req.CorrelationKey, resp.ID); err != nil {
					return requests, responses, fmt.Errorf("caching imported response for %s: %w", rec.RequestID, err)
				}
			case rec.IsCacheable && req.Kind == KindFRLDeactivate:
				if err := s.InvalidateCacheByCorrelationKey(req.CorrelationKey); err != nil {
					return requests, responses, fmt.Errorf("invalidating cache for imported deactivation %s: %w", rec.RequestID, err)
				}
			}
			responses++
		default:
			return requests, responses, fmt.Errorf("unknown record kind %q", probe.Kind)
		}
	}
	if err := sc.Err(); err != nil {
		return requests, responses, fmt.Errorf("scanning blob: %w", err)
	}
	return requests, responses, nil
}

var ignoreExistingRequest = clause.OnConflict{DoNothing: true}
