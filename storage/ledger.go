package storage

import (
	"context"
	"errors"
	"fmt"

	"entity-resolvers/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotInLedger wird von Lookup geliefert, wenn der Key dort unbekannt ist.
var ErrNotInLedger = errors.New("assignment not in ledger")

// Ledger spiegelt ID-Zuordnungen und Laufhistorie in eine SQL-Datenbank.
type Ledger struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// OpenLedger verbindet sich mit der Datenbank und migriert die Tabellen.
func OpenLedger(dialector gorm.Dialector, log *zap.Logger) (*Ledger, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.AutoMigrate(&models.IDAssignment{}, &models.PipelineRun{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{DB: db, Logger: log}, nil
}

// SyncAssignments schreibt alle Einträge einer Map per Upsert.
// Bestehende Zeilen behalten ihre ID und first_seen_at; nur last_seen_at wird nachgezogen.
func (l *Ledger) SyncAssignments(ctx context.Context, entity string, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([]models.IDAssignment, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, models.IDAssignment{
			Entity:         entity,
			ProvenanceKey:  e.Key,
			ConsolidatedID: e.ID,
			FirstSeenAt:    e.CreatedAt,
			LastSeenAt:     e.UpdatedAt,
		})
	}
	err := l.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity"}, {Name: "provenance_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
	}).CreateInBatches(&rows, 500).Error
	if err != nil {
		return 0, fmt.Errorf("upsert assignments: %w", err)
	}
	if l.Logger != nil {
		l.Logger.Debug("ledger synced", zap.String("entity", entity), zap.Int("rows", len(rows)))
	}
	return len(rows), nil
}

// Lookup sucht die Zuordnung zu einem Provenance-Key.
func (l *Ledger) Lookup(ctx context.Context, entity, key string) (*models.IDAssignment, error) {
	var a models.IDAssignment
	err := l.DB.WithContext(ctx).Where("entity = ? AND provenance_key = ?", entity, key).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotInLedger
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordRun speichert einen abgeschlossenen Schritt.
func (l *Ledger) RecordRun(ctx context.Context, run *models.PipelineRun) error {
	return l.DB.WithContext(ctx).Create(run).Error
}

// RecentRuns liefert die letzten Läufe, neueste zuerst.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	err := l.DB.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
