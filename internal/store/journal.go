package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateRequest journals a newly classified inbound request as PENDING.
func (s *Store) CreateRequest(r *StoredRequest) error {
	if r.ID == "" {
		r.ID = NewRequestID()
	}
	r.State = StatePending
	r.ReceivedAt = time.Now().UTC()
	return s.db.Create(r).Error
}

// MarkAnsweredFromCache transitions a request straight to ANSWERED_FROM_CACHE
// without ever forwarding it upstream.
func (s *Store) MarkAnsweredFromCache(requestID string) error {
	return s.db.Model(&StoredRequest{}).Where("id = ?", requestID).
		Update("state", StateAnsweredFromCache).Error
}

// RecordSuccess persists the upstream response and marks the request
// FORWARDED, all inside one transaction so a crash never leaves the pair
// half-written.
func (s *Store) RecordSuccess(requestID string, resp *StoredResponse) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if resp.ID == "" {
			resp.ID = NewRequestID()
		}
		resp.RequestID = requestID
		resp.ReceivedAt = time.Now().UTC()
		if err := tx.Create(resp).Error; err != nil {
			return fmt.Errorf("persisting response: %w", err)
		}
		now := time.Now().UTC()
		return tx.Model(&StoredRequest{}).Where("id = ?", requestID).Updates(map[string]interface{}{
			"state":           StateForwarded,
			"last_attempt_at": &now,
		}).Error
	})
}

// CreateStandaloneResponse persists a StoredResponse with no owning
// StoredRequest, used by out-of-band cache revalidation: the response feeds
// the activation cache without ever having been journaled as a request.
func (s *Store) CreateStandaloneResponse(resp *StoredResponse) error {
	if resp.ID == "" {
		resp.ID = NewRequestID()
	}
	resp.ReceivedAt = time.Now().UTC()
	return s.db.Create(resp).Error
}

// RecordTerminalFailure persists a terminal (non-retryable, typically 4xx)
// upstream response and marks the request FORWARDED, since no further
// replay can change the outcome.
func (s *Store) RecordTerminalFailure(requestID string, resp *StoredResponse) error {
	return s.RecordSuccess(requestID, resp)
}

// RecordRetryableFailure increments the attempt counter and records the
// error, leaving the request PENDING for the next Forwarder pass.
func (s *Store) RecordRetryableFailure(requestID, lastError string) error {
	now := time.Now().UTC()
	return s.db.Model(&StoredRequest{}).Where("id = ?", requestID).Updates(map[string]interface{}{
		"attempts":        gorm.Expr("attempts + 1"),
		"last_attempt_at": &now,
		"last_error":      lastError,
	}).Error
}

// PendingByTarget returns PENDING requests for the given upstream target, in
// FIFO order of received timestamp.
func (s *Store) PendingByTarget(target Target, limit int) ([]StoredRequest, error) {
	var rows []StoredRequest
	q := s.db.Where("target = ? AND state = ?", target, StatePending).Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return rows, q.Find(&rows).Error
}

// PendingCounts returns the count of PENDING requests per upstream target.
func (s *Store) PendingCounts() (map[Target]int64, error) {
	counts := map[Target]int64{TargetLicense: 0, TargetLog: 0}
	var rows []struct {
		Target Target
		N      int64
	}
	if err := s.db.Model(&StoredRequest{}).
		Select("target, count(*) as n").
		Where("state = ?", StatePending).
		Group("target").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.Target] = r.N
	}
	return counts, nil
}

// LastForwardedAt returns the most recent last_attempt_at among FORWARDED
// requests for the target, or the zero time if none exist.
func (s *Store) LastForwardedAt(target Target) (time.Time, error) {
	var req StoredRequest
	err := s.db.Where("target = ? AND state = ?", target, StateForwarded).
		Order("last_attempt_at DESC").First(&req).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil || req.LastAttemptAt == nil {
		return time.Time{}, err
	}
	return *req.LastAttemptAt, nil
}

// EncodeHeaders serializes a selected-header map for storage.
func EncodeHeaders(h map[string]string) string {
	b, _ := json.Marshal(h)
	return string(b)
}

// DecodeHeaders parses a stored header map back out.
func DecodeHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	var h map[string]string
	_ = json.Unmarshal([]byte(s), &h)
	return h
}

// ClearRequests truncates the request journal; responses and cache entries
// are untouched unless also cleared.
func (s *Store) ClearRequests() error {
	return s.db.Exec("DELETE FROM stored_requests").Error
}

// ClearResponses truncates persisted responses.
func (s *Store) ClearResponses() error {
	return s.db.Exec("DELETE FROM stored_responses").Error
}

// ClearAll truncates requests, responses, and the cache.
func (s *Store) ClearAll() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM cache_entries").Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM stored_responses").Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM stored_requests").Error
	})
}
