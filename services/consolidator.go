package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/models"
	"entity-resolvers/storage"

	"go.uber.org/zap"
)

// Spalten, die der ids-Schritt jeder Ausgabezeile voranstellt.
const (
	CreatedAtColumn = "createdAt"
	UpdatedAtColumn = "updatedAt"
)

// ConsolidationResult fasst einen ids-Schritt zusammen.
type ConsolidationResult struct {
	Records    int
	Keyed      int
	Unkeyed    int
	Duplicates int
	Ambiguous  int
	Minted     int
	Reused     int
	OutputPath string
	MapPath    string
	DiffPath   string
	Metadata   models.StepMetadata
}

// Consolidator vergibt stabile IDs für eine Eingabetabelle und pflegt die ID-Map.
type Consolidator struct {
	Logger  *zap.Logger
	Metrics *Metrics
	Ledger  *storage.Ledger
	Mirror  storage.Mirror
	// QC schreibt zusätzlich die Diff-Datei mit den neu vergebenen IDs.
	QC  bool
	Now func() time.Time
	// Rand ersetzt crypto/rand, nur für Tests.
	Rand io.Reader
}

// NewConsolidator erstellt einen Consolidator mit Systemuhr.
func NewConsolidator(logger *zap.Logger, metrics *Metrics) *Consolidator {
	return &Consolidator{Logger: logger, Metrics: metrics, QC: true, Now: time.Now}
}

// ProvenanceKey verbindet die lokalen IDs der Fremdschlüssel in Spaltenreihenfolge mit "|".
// Ein Key ohne einen einzigen Wert ist leer.
func ProvenanceKey(fks []models.ForeignKey) string {
	parts := make([]string, len(fks))
	empty := true
	for i, fk := range fks {
		parts[i] = fk.LocalID
		if fk.LocalID != "" {
			empty = false
		}
	}
	if empty {
		return ""
	}
	return strings.Join(parts, ValueSeparator)
}

// Run führt den ids-Schritt aus: lesen, Keys bilden, deduplizieren, IDs auflösen, schreiben.
// cfg selbst wird nicht verändert.
func (c *Consolidator) Run(ctx context.Context, step string, cfg *config.ConsolidationConfig) (*ConsolidationResult, error) {
	local := *cfg
	cfg = &local
	cfg.ApplyDefaults()
	if err := cfg.Validate(step); err != nil {
		return nil, err
	}
	log := c.Logger.With(zap.String("step", step), zap.String("entity", cfg.Entity))
	started := c.Now()
	runTime := started.UTC().Truncate(time.Second)

	res := &ConsolidationResult{MapPath: cfg.IDMapFile, OutputPath: cfg.OutputFile}
	res.Metadata.Timestamp.Start = started
	res.Metadata.DataSources = []string{cfg.InputFile}

	delim, _ := config.ParseDelimiter(cfg.Delimiter, cfg.InputFile)
	in, err := ReadTable(cfg.InputFile, delim)
	if err != nil {
		return nil, err
	}
	res.Records = in.Len()
	res.Metadata.AddStep("load_input", "read "+cfg.InputFile, in.Len(), started)

	if err := c.checkColumns(step, cfg, in, log); err != nil {
		return nil, err
	}

	phase := time.Now()
	var rows []int
	var keys []string
	for r := range in.Rows {
		fks := make([]models.ForeignKey, len(cfg.ProvenanceColumns))
		for i, col := range cfg.ProvenanceColumns {
			v := strings.TrimSpace(in.Value(r, col))
			if cfg.NormalizeKeys {
				v = NormalizeKey(v)
			}
			fks[i] = models.ForeignKey{Source: col, LocalID: v}
		}
		key := ProvenanceKey(fks)
		if key == "" {
			res.Unkeyed++
			continue
		}
		rows = append(rows, r)
		keys = append(keys, key)
	}
	if res.Unkeyed > 0 {
		log.Warn("rows without any provenance value skipped", zap.Int("rows", res.Unkeyed))
	}
	res.Keyed = len(rows)

	var cmp Comparator = FirstWins{}
	if cfg.ScoreColumn != "" {
		cmp = ScoreComparator{Column: cfg.ScoreColumn}
	}
	keyOf := make(map[int]string, len(rows))
	for i, r := range rows {
		keyOf[r] = keys[i]
	}
	winners, ambiguous := Deduplicate(in, rows, keys, cmp, log)
	res.Duplicates = len(rows) - len(winners)
	res.Ambiguous = ambiguous
	res.Metadata.AddStep("deduplicate", fmt.Sprintf("%d rows collapsed onto existing provenance keys", res.Duplicates), len(winners), phase)

	store, err := c.loadStore(cfg, log)
	if err != nil {
		return nil, err
	}
	before := store.Len()

	minter := NewMinter(cfg.IDPrefix, cfg.CodeLength, log)
	minter.Now = func() time.Time { return runTime }
	if c.Rand != nil {
		minter.Gen.Rand = c.Rand
	}
	winnerKeys := make([]string, len(winners))
	for i, r := range winners {
		winnerKeys[i] = keyOf[r]
	}
	phase = time.Now()
	ids := minter.ResolveBatch(store, winnerKeys)
	res.Minted = store.Len() - before
	res.Reused = len(winners) - res.Minted
	res.Metadata.AddStep("resolve_ids", fmt.Sprintf("%d minted, %d reused", res.Minted, res.Reused), len(ids), phase)

	if err := store.Persist(cfg.IDMapFile); err != nil {
		log.Error("persisting id map failed", zap.String("path", cfg.IDMapFile), zap.Error(err))
		return nil, err
	}
	if c.QC {
		diff, err := store.WriteDiff(cfg.IDMapFile)
		if err != nil {
			return nil, err
		}
		res.DiffPath = diff
	}

	out := c.buildOutput(cfg, in, winners, winnerKeys, ids, store)
	if err := out.WriteFile(cfg.OutputFile, outputDelimiter(cfg.OutputFile, delim)); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	res.Metadata.Outputs = append(res.Metadata.Outputs, models.Output{Name: cfg.Entity + "_ids", Path: cfg.OutputFile, Records: out.Len()})
	res.Metadata.Records = out.Len()
	res.Metadata.Minted = res.Minted
	res.Metadata.Reused = res.Reused
	res.Metadata.Timestamp.End = c.Now()
	if err := writeMetadata(metadataPath(cfg.MetadataFile, cfg.OutputFile), &res.Metadata); err != nil {
		return nil, err
	}

	c.publish(ctx, cfg, store, res, log)

	log.Info("consolidation finished",
		zap.Int("records", res.Records),
		zap.Int("ids", len(ids)),
		zap.Int("minted", res.Minted),
		zap.Int("reused", res.Reused),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("ambiguous", res.Ambiguous),
		zap.Int("map_size", store.Len()))
	return res, nil
}

func (c *Consolidator) checkColumns(step string, cfg *config.ConsolidationConfig, in *Table, log *zap.Logger) error {
	for _, col := range cfg.ProvenanceColumns {
		if !in.HasColumn(col) {
			return &config.ConfigurationError{Step: step, Field: "provenance_columns", Reason: fmt.Sprintf("column %q not found in %s", col, cfg.InputFile)}
		}
	}
	if cfg.ScoreColumn != "" && !in.HasColumn(cfg.ScoreColumn) {
		return &config.ConfigurationError{Step: step, Field: "score_column", Reason: fmt.Sprintf("column %q not found in %s", cfg.ScoreColumn, cfg.InputFile)}
	}
	for _, col := range cfg.NameColumns() {
		if !in.HasColumn(col) {
			log.Warn("name column missing, treated as empty", zap.String("column", col))
		}
	}
	return nil
}

// loadStore wendet die Richtlinie für beschädigte Maps an.
func (c *Consolidator) loadStore(cfg *config.ConsolidationConfig, log *zap.Logger) (*storage.IDStore, error) {
	store, err := storage.Load(cfg.IDMapFile)
	if err == nil {
		if serr := store.StampError(); serr != nil {
			lc := storage.LifecyclePath(cfg.IDMapFile)
			moved, qerr := storage.Quarantine(lc, c.Now())
			if qerr != nil {
				log.Warn("moving corrupt lifecycle file aside failed", zap.Error(qerr))
			}
			log.Error("lifecycle file corrupt, timestamps dropped, id map kept",
				zap.String("path", lc),
				zap.String("moved_to", moved),
				zap.Error(serr))
		}
		log.Info("id map loaded", zap.String("path", cfg.IDMapFile), zap.Int("entries", store.Len()))
		return store, nil
	}
	var corrupt *storage.CorruptStoreError
	if !errors.As(err, &corrupt) || cfg.CorruptStorePolicy != config.CorruptStoreReinitialize {
		return nil, err
	}
	moved, qerr := storage.Quarantine(cfg.IDMapFile, c.Now())
	if qerr != nil {
		return nil, fmt.Errorf("%v; reinitialize failed: %w", err, qerr)
	}
	log.Error("id map corrupt, starting with an empty map",
		zap.String("path", cfg.IDMapFile),
		zap.String("moved_to", moved),
		zap.Error(err))
	return storage.NewIDStore(), nil
}

func (c *Consolidator) buildOutput(cfg *config.ConsolidationConfig, in *Table, winners []int, keys, ids []string, store *storage.IDStore) *Table {
	idCol := cfg.IDColumn()
	reserved := map[string]bool{idCol: true, CreatedAtColumn: true, UpdatedAtColumn: true}
	if cfg.ConsolidatedNameColumn != "" {
		reserved[cfg.ConsolidatedNameColumn] = true
	}
	var passthrough []int
	cols := []string{idCol, CreatedAtColumn, UpdatedAtColumn}
	for i, col := range in.Columns {
		if reserved[col] {
			continue
		}
		passthrough = append(passthrough, i)
		cols = append(cols, col)
	}
	nameCols := cfg.NameColumns()
	withName := cfg.ConsolidatedNameColumn != ""
	if withName {
		cols = append(cols, cfg.ConsolidatedNameColumn)
	}

	out := NewTable(cols...)
	for i, r := range winners {
		e, _ := store.Entry(keys[i])
		row := make([]string, 0, len(cols))
		row = append(row, ids[i], formatStamp(e.CreatedAt), formatStamp(e.UpdatedAt))
		for _, ci := range passthrough {
			row = append(row, in.Rows[r][ci])
		}
		if withName {
			row = append(row, firstNonEmpty(in, r, nameCols))
		}
		out.Append(row...)
	}
	return out
}

// publish spiegelt Map und Ausgabe in Ledger und Objektspeicher. Fehler dort brechen den Lauf nicht ab.
func (c *Consolidator) publish(ctx context.Context, cfg *config.ConsolidationConfig, store *storage.IDStore, res *ConsolidationResult, log *zap.Logger) {
	if c.Metrics != nil {
		c.Metrics.IDsMinted.WithLabelValues(cfg.Entity).Add(float64(res.Minted))
		c.Metrics.IDsReused.WithLabelValues(cfg.Entity).Add(float64(res.Reused))
		c.Metrics.AmbiguousMerges.WithLabelValues(cfg.Entity).Add(float64(res.Ambiguous))
	}
	if c.Ledger != nil {
		if n, err := c.Ledger.SyncAssignments(ctx, cfg.Entity, store.Entries()); err != nil {
			log.Warn("ledger sync failed", zap.Error(err))
		} else {
			log.Debug("ledger synced", zap.Int("rows", n))
		}
	}
	if c.Mirror != nil {
		links, err := storage.MirrorFiles(ctx, c.Mirror, filepath.Join("ids", cfg.Entity),
			cfg.IDMapFile, storage.LifecyclePath(cfg.IDMapFile), res.DiffPath, cfg.OutputFile)
		if err != nil {
			log.Warn("mirror upload failed", zap.Error(err))
			return
		}
		log.Info("mirrored id map and output", zap.Strings("links", links))
	}
}

func firstNonEmpty(t *Table, row int, cols []string) string {
	for _, c := range cols {
		if v := strings.TrimSpace(t.Value(row, c)); v != "" {
			return v
		}
	}
	return ""
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
