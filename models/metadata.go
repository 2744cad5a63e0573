package models

import "time"

// ProcessingStep ist ein Eintrag in der Metadaten-Datei eines Schritts.
type ProcessingStep struct {
	Step            string    `json:"step_name"`
	Description     string    `json:"description"`
	PerformedAt     time.Time `json:"performed_at"`
	Records         int       `json:"records,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	OutputPath      string    `json:"output_path,omitempty"`
}

// Output beschreibt eine geschriebene Datei.
type Output struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Records int    `json:"records"`
}

// StepMetadata wird nach jedem Schritt als JSON neben die Ausgabe geschrieben.
type StepMetadata struct {
	Timestamp struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"timestamp"`
	DataSources     []string         `json:"data_sources,omitempty"`
	ProcessingSteps []ProcessingStep `json:"processing_steps"`
	Outputs         []Output         `json:"outputs,omitempty"`
	Downloads       []Download       `json:"downloads,omitempty"`
	Records         int              `json:"records"`
	Minted          int              `json:"minted,omitempty"`
	Reused          int              `json:"reused,omitempty"`
}

// AddStep hängt einen Verarbeitungsschritt an.
func (m *StepMetadata) AddStep(step, description string, records int, started time.Time) {
	m.ProcessingSteps = append(m.ProcessingSteps, ProcessingStep{
		Step:            step,
		Description:     description,
		PerformedAt:     time.Now(),
		Records:         records,
		DurationSeconds: time.Since(started).Seconds(),
	})
}

// Download beschreibt das Ergebnis eines Downloads mit Vergleich gegen die Vorversion.
type Download struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Path         string    `json:"path"`
	DownloadedAt time.Time `json:"downloaded_at"`
	MD5          string    `json:"md5"`
	PreviousMD5  string    `json:"previous_md5,omitempty"`
	Size         int64     `json:"size"`
	Changed      bool      `json:"changed"`
	LastModified string    `json:"last_modified,omitempty"`
	DiffPath     string    `json:"diff_path,omitempty"`
	BackupPath   string    `json:"backup_path,omitempty"`
}
