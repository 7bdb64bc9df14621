package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"corvid/internal/domain"
	"corvid/internal/security"
	"corvid/internal/support"
)

// CandidateRecord is the persisted form of a pool candidate. Flat
// columns, credentials encrypted at rest.
type CandidateRecord struct {
	ID uint `gorm:"primarykey"`

	Address  string `gorm:"uniqueIndex:idx_candidate_endpoint;size:255;not null"`
	Port     uint16 `gorm:"uniqueIndex:idx_candidate_endpoint;not null"`
	Protocol string `gorm:"size:16;not null"`

	Username string `gorm:"size:512"`
	Password string `gorm:"size:512"`

	Source        string `gorm:"size:255;index"`
	Country       string `gorm:"size:8"`
	EstimatedType string `gorm:"size:32"`

	Status              string `gorm:"size:16;index"`
	SuccessCount        uint64
	FailureCount        uint64
	TotalRequests       uint64
	ConsecutiveFailures uint32
	AvgLatencyMs        int64
	QualityScore        float64 `gorm:"index"`

	LastCheck   *time.Time
	LastSuccess *time.Time
	AddedAt     time.Time

	Retired bool `gorm:"index;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CandidateRecord) TableName() string {
	return "proxy_candidates"
}

// Ledger persists pool state across restarts.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: no database connection provided")
	}
	if err := db.AutoMigrate(&CandidateRecord{}); err != nil {
		return nil, fmt.Errorf("storage: auto migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

// OpenPostgres connects with the DSN assembled from the environment,
// matching the deployment's compose variables.
func OpenPostgres() (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		support.GetEnv("DB_HOST", "localhost"),
		support.GetEnv("DB_USER", "corvid"),
		support.GetEnv("DB_PASSWORD", ""),
		support.GetEnv("DB_NAME", "corvid"),
		support.GetEnv("DB_PORT", "5432"),
		support.GetEnv("DB_SSLMODE", "disable"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open connection: %w", err)
	}
	return db, nil
}

// SaveSnapshot upserts the current pool contents keyed by endpoint.
// Retired candidates are flagged rather than deleted so their history
// stays auditable.
func (l *Ledger) SaveSnapshot(ctx context.Context, active, retired []domain.Candidate) error {
	records := make([]CandidateRecord, 0, len(active)+len(retired))
	for _, candidate := range active {
		record, err := recordFrom(candidate, false)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	for _, candidate := range retired {
		record, err := recordFrom(candidate, true)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil
	}

	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}, {Name: "port"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"protocol", "username", "password", "source", "country",
			"estimated_type", "status", "success_count", "failure_count",
			"total_requests", "consecutive_failures", "avg_latency_ms",
			"quality_score", "last_check", "last_success", "retired",
			"updated_at",
		}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("storage: save snapshot: %w", err)
	}

	log.Debug("pool snapshot saved", "active", len(active), "retired", len(retired))
	return nil
}

// LoadSnapshot returns every non-retired candidate for pool startup.
func (l *Ledger) LoadSnapshot(ctx context.Context) ([]domain.Candidate, error) {
	var records []CandidateRecord
	if err := l.db.WithContext(ctx).Where("retired = ?", false).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(records))
	for _, record := range records {
		candidate, err := candidateFrom(record)
		if err != nil {
			// A record we cannot decrypt is useless; skip it rather
			// than fail the whole startup.
			log.Warn("skipping unreadable candidate record",
				"address", record.Address, "port", record.Port, "error", err)
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// PurgeRetired removes retired rows older than the cutoff.
func (l *Ledger) PurgeRetired(ctx context.Context, olderThan time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("retired = ? AND updated_at < ?", true, olderThan).
		Delete(&CandidateRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("storage: purge retired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func recordFrom(candidate domain.Candidate, retired bool) (CandidateRecord, error) {
	record := CandidateRecord{
		Address:             candidate.Address,
		Port:                candidate.Port,
		Protocol:            string(candidate.Protocol),
		Source:              candidate.Source,
		Country:             candidate.Country,
		EstimatedType:       candidate.EstimatedType,
		Status:              string(candidate.Status),
		SuccessCount:        candidate.SuccessCount,
		FailureCount:        candidate.FailureCount,
		TotalRequests:       candidate.TotalRequests,
		ConsecutiveFailures: candidate.ConsecutiveFailures,
		AvgLatencyMs:        candidate.AvgLatency.Milliseconds(),
		QualityScore:        candidate.QualityScore,
		LastCheck:           candidate.LastCheck,
		LastSuccess:         candidate.LastSuccess,
		AddedAt:             candidate.AddedAt,
		Retired:             retired,
	}

	if candidate.Username != "" {
		encrypted, err := security.EncryptCredential(candidate.Username)
		if err != nil {
			return CandidateRecord{}, fmt.Errorf("storage: encrypt username: %w", err)
		}
		record.Username = encrypted
	}
	if candidate.Password != "" {
		encrypted, err := security.EncryptCredential(candidate.Password)
		if err != nil {
			return CandidateRecord{}, fmt.Errorf("storage: encrypt password: %w", err)
		}
		record.Password = encrypted
	}
	return record, nil
}

func candidateFrom(record CandidateRecord) (domain.Candidate, error) {
	candidate := domain.Candidate{
		Address:             record.Address,
		Port:                record.Port,
		Protocol:            domain.Protocol(record.Protocol),
		Source:              record.Source,
		Country:             record.Country,
		EstimatedType:       record.EstimatedType,
		Status:              domain.CandidateStatus(record.Status),
		SuccessCount:        record.SuccessCount,
		FailureCount:        record.FailureCount,
		TotalRequests:       record.TotalRequests,
		ConsecutiveFailures: record.ConsecutiveFailures,
		AvgLatency:          time.Duration(record.AvgLatencyMs) * time.Millisecond,
		QualityScore:        record.QualityScore,
		LastCheck:           record.LastCheck,
		LastSuccess:         record.LastSuccess,
		AddedAt:             record.AddedAt,
	}

	if record.Username != "" {
		plain, err := security.DecryptCredential(record.Username)
		if err != nil {
			return domain.Candidate{}, fmt.Errorf("storage: decrypt username: %w", err)
		}
		candidate.Username = plain
	}
	if record.Password != "" {
		plain, err := security.DecryptCredential(record.Password)
		if err != nil {
			return domain.Candidate{}, fmt.Errorf("storage: decrypt password: %w", err)
		}
		candidate.Password = plain
	}
	return candidate, nil
}
