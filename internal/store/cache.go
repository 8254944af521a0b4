package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var upsertCacheEntry = clause.OnConflict{
	Columns:   []clause.Column{{Name: "fingerprint"}, {Name: "kind"}},
	DoUpdates: clause.AssignmentColumns([]string{"correlation_key", "response_id", "updated_at"}),
}

// LookupCache returns the cached 200 StoredResponse for fingerprint/kind, if
// any CacheEntry exists.
func (s *Store) LookupCache(kind Kind, fingerprint string) (*StoredResponse, bool, error) {
	var entry CacheEntry
	err := s.db.Where("kind = ? AND fingerprint = ?", kind, fingerprint).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp StoredResponse
	if err := s.db.Where("id = ?", entry.ResponseID).First(&resp).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &resp, true, nil
}

// StoreCache upserts the CacheEntry for fingerprint/kind to point at
// responseID, called only after a 2xx upstream activation response.
// correlationKey links the entry to any future deactivation for the same
// device/user, independent of appId.
func (s *Store) StoreCache(kind Kind, fingerprint, correlationKey, responseID string) error {
	entry := CacheEntry{
		Fingerprint:    fingerprint,
		Kind:           kind,
		CorrelationKey: correlationKey,
		ResponseID:     responseID,
		UpdatedAt:      time.Now().UTC(),
	}
	return s.db.Clauses(upsertCacheEntry).Create(&entry).Error
}

// InvalidateCacheByCorrelationKey removes every CacheEntry sharing
// correlationKey, called after a successful FRL_DEACTIVATE. A deactivation
// carries no appId, so it cannot recompute the activation's own fingerprint;
// matching on correlationKey instead evicts every app activated for that
// device/user, which mirrors the original proxy's deactivation_key fan-out
// delete (adlu-proxy's cache/frl.rs).
func (s *Store) InvalidateCacheByCorrelationKey(correlationKey string) error {
	return s.db.Where("correlation_key = ?", correlationKey).Delete(&CacheEntry{}).Error
}

// RequestByID loads a single journaled request by id.
func (s *Store) RequestByID(id string) (*StoredRequest, error) {
	var req StoredRequest
	if err := s.db.Where("id = ?", id).First(&req).Error; err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}
	return &req, nil
}
