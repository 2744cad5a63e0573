package models

import (
	"time"

	"gorm.io/datatypes"
)

// IDAssignment ist eine Zeile im Ledger: ein Provenance-Key und seine konsolidierte ID.
// Das Ledger ist ein Spiegel der JSON-Map; maßgeblich bleibt die Map-Datei.
type IDAssignment struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Entity         string `json:"entity" gorm:"index:idx_assignment_key,unique;size:64;not null"`
	ProvenanceKey  string `json:"provenance_key" gorm:"index:idx_assignment_key,unique;type:text;not null"`
	ConsolidatedID string `json:"consolidated_id" gorm:"uniqueIndex;size:64;not null"`

	// Lebenszyklus laut Map, nicht laut DB-Zeitstempel
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// TableName gibt explizit den Tabellennamen an.
func (IDAssignment) TableName() string {
	return "id_assignments"
}

// PipelineRun protokolliert einen ausgeführten Pipeline-Schritt.
type PipelineRun struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Category   string         `json:"category" gorm:"index"`
	Step       string         `json:"step" gorm:"index"`
	Kind       string         `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Records    int            `json:"records"`
	Minted     int            `json:"minted"`
	Reused     int            `json:"reused"`
	Failed     bool           `json:"failed"`
	Error      string         `json:"error,omitempty" gorm:"type:text"`
	Metadata   datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
}

// TableName gibt explizit den Tabellennamen an.
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}
