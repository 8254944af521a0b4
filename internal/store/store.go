package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/snapp-incubator/frl-proxy/internal/logging"
)

// Kind is the classified kind of a StoredRequest.
type Kind string

const (
	KindFRLActivate   Kind = "FRL_ACTIVATE"
	KindFRLDeactivate Kind = "FRL_DEACTIVATE"
	KindLogUpload     Kind = "LOG_UPLOAD"
)

// Target is the upstream a StoredRequest is destined for.
type Target string

const (
	TargetLicense Target = "LICENSE"
	TargetLog     Target = "LOG"
)

// State is a StoredRequest's position in the journal state machine.
type State string

const (
	StatePending            State = "PENDING"
	StateForwarded          State = "FORWARDED"
	StateAnsweredFromCache  State = "ANSWERED_FROM_CACHE"
)

// StoredRequest is one journaled inbound request.
type StoredRequest struct {
	ID              string `gorm:"primaryKey;size:36"`
	Kind            Kind   `gorm:"size:32;index"`
	Fingerprint     string `gorm:"size:64;index"`
	// CorrelationKey is the (npdId, deviceId, osUserId) tuple hash shared by
	// an FRL_ACTIVATE and any FRL_DEACTIVATE for the same device/user,
	// independent of appId and kind. It is what the Cache Policy uses to
	// find the activation(s) a deactivation must evict.
	CorrelationKey  string `gorm:"size:64;index"`
	ReceivedAt      time.Time
	Method          string `gorm:"size:8"`
	Path            string
	Headers         string // JSON-encoded map[string]string
	Body            []byte
	Target          Target `gorm:"size:16"`
	State           State  `gorm:"size:32;index"`
	Attempts        int
	LastAttemptAt   *time.Time
	LastError       string

	Response *StoredResponse `gorm:"foreignKey:RequestID"`
}

// StoredResponse is the upstream answer persisted for a StoredRequest.
type StoredResponse struct {
	ID          string `gorm:"primaryKey;size:36"`
	RequestID   string `gorm:"size:36;index"`
	ReceivedAt  time.Time
	Status      int
	Headers     string // JSON-encoded map[string]string
	Body        []byte
	IsCacheable bool
}

// CacheEntry maps an FRL fingerprint to its cached response. CorrelationKey
// is carried alongside Fingerprint so a later FRL_DEACTIVATE (which has no
// appId and so cannot recompute Fingerprint) can still find and evict it.
type CacheEntry struct {
	Fingerprint    string `gorm:"primaryKey;size:64"`
	Kind           Kind   `gorm:"size:32;primaryKey"`
	CorrelationKey string `gorm:"size:64;index"`
	ResponseID     string `gorm:"size:36"`
	UpdatedAt      time.Time
}

// SchemaMigration records one applied migration id.
type SchemaMigration struct {
	ID        string `gorm:"primaryKey;size:64"`
	AppliedAt time.Time
}

// Store is the Durable Store: a single SQLite file holding the journal,
// the response bodies, and the activation cache.
type Store struct {
	db *gorm.DB
}

// Open connects to (creating if necessary) the SQLite file at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	gormLogger := logger.New(
		zapGormWriter{},
		logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Warn,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("opening durable store %q: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("acquiring sql.DB handle: %w", err)
	}
	// SQLite tolerates exactly one writer; readers share the same handle so
	// gorm serializes writes for us rather than fighting SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var migrations = []string{"0001_init"}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&SchemaMigration{}, &StoredRequest{}, &StoredResponse{}, &CacheEntry{}); err != nil {
		return fmt.Errorf("auto-migrating schema: %w", err)
	}

	for _, id := range migrations {
		var applied SchemaMigration
		err := s.db.Where("id = ?", id).First(&applied).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("checking migration %s: %w", id, err)
		}
		if err := s.db.Create(&SchemaMigration{ID: id, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("recording migration %s: %w", id, err)
		}
	}
	return nil
}

// NewRequestID mints a fresh StoredRequest id.
func NewRequestID() string {
	return uuid.NewString()
}

// zapGormWriter adapts gorm's logger.Writer interface onto the package logger.
type zapGormWriter struct{}

func (zapGormWriter) Printf(format string, args ...interface{}) {
	logging.L.Sugar().Debugf(format, args...)
}
