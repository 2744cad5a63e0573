package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// MinCodeLength ist die kleinste erlaubte Länge des zufälligen ID-Codes (36^7 ≈ 7.8e10).
const MinCodeLength = 7

// StepKind bestimmt, welcher Prozessor einen Pipeline-Schritt ausführt.
type StepKind string

const (
	KindDownload StepKind = "download"
	KindPivot    StepKind = "pivot"
	KindMerge    StepKind = "merge"
	KindIDs      StepKind = "ids"
	KindNodeNorm StepKind = "nodenorm"
)

// Richtlinien für eine beschädigte ID-Map.
const (
	CorruptStoreAbort        = "abort"
	CorruptStoreReinitialize = "reinitialize"
)

// ConfigurationError meldet einen fehlenden oder ungültigen Konfigurationsschlüssel.
// Er ist immer fatal und tritt vor jeder relevanten I/O auf.
type ConfigurationError struct {
	Step   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration: step %q: %s: %s", e.Step, e.Field, e.Reason)
}

func confErr(step, field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Step: step, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Pipelines modelliert die YAML-Datei mit allen Kategorien und Schritten.
type Pipelines struct {
	Global     Global            `yaml:"global"`
	Categories map[string][]Step `yaml:"categories"`
}

// Global enthält kategorieübergreifende Einstellungen.
type Global struct {
	// QCMode schaltet Diff- und Zwischendateien. Standard: an.
	QCMode *bool `yaml:"qc_mode"`
}

// QC liefert den effektiven QC-Modus.
func (g Global) QC() bool {
	return g.QCMode == nil || *g.QCMode
}

// Step ist ein einzelner Schritt einer Kategorie. Genau ein Block passend zu Kind muss gesetzt sein.
type Step struct {
	Name     string               `yaml:"name"`
	Kind     StepKind             `yaml:"kind"`
	Download *DownloadConfig      `yaml:"download,omitempty"`
	Pivot    *PivotConfig         `yaml:"pivot,omitempty"`
	Merge    *MergeConfig         `yaml:"merge,omitempty"`
	IDs      *ConsolidationConfig `yaml:"ids,omitempty"`
	NodeNorm *NodeNormConfig      `yaml:"nodenorm,omitempty"`
}

// SourceFile beschreibt eine herunterzuladende Rohdatei.
type SourceFile struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	RawPath    string `yaml:"raw_path"`
	Decompress bool   `yaml:"decompress"`
}

// DownloadConfig konfiguriert einen download-Schritt.
type DownloadConfig struct {
	Sources      []SourceFile `yaml:"sources"`
	MetadataFile string       `yaml:"metadata_file"`
}

// PivotConfig konfiguriert das Aufspalten einer Cross-Reference-Spalte in eine Spalte pro Präfix.
type PivotConfig struct {
	InputFile    string `yaml:"input_file"`
	OutputFile   string `yaml:"output_file"`
	MetadataFile string `yaml:"metadata_file"`
	// CrossRefFile erhält optional die lange Form (entity_id, prefix, local_id).
	CrossRefFile string `yaml:"crossref_file"`
	KeyColumn    string `yaml:"key_column"`
	XrefColumn   string `yaml:"xref_column"`
	Namespace    string `yaml:"namespace"`
	DropSource   bool   `yaml:"drop_source"`
	Delimiter    string `yaml:"delimiter"`
}

// MergeConfig konfiguriert das Zusammenführen geclusterter Quelltabellen.
type MergeConfig struct {
	InputFile              string   `yaml:"input_file"`
	OutputFile             string   `yaml:"output_file"`
	MetadataFile           string   `yaml:"metadata_file"`
	Sources                []string `yaml:"sources"`
	ClusterColumn          string   `yaml:"cluster_column"`
	SourceColumn           string   `yaml:"source_column"`
	IDColumn               string   `yaml:"id_column"`
	NameColumn             string   `yaml:"name_column"`
	ScoreColumn            string   `yaml:"score_column"`
	ConsolidatedNameColumn string   `yaml:"consolidated_name_column"`
	NormalizeNames         bool     `yaml:"normalize_names"`
	Delimiter              string   `yaml:"delimiter"`
}

// NodeNormConfig konfiguriert die Abfrage des Translator Node Normalizers.
type NodeNormConfig struct {
	InputFile    string `yaml:"input_file"`
	OutputFile   string `yaml:"output_file"`
	MetadataFile string `yaml:"metadata_file"`
	CurieColumn  string `yaml:"curie_column"`
	BatchSize    int    `yaml:"batch_size"`
	Namespace    string `yaml:"namespace"`
	Conflate     bool   `yaml:"conflate"`
	Delimiter    string `yaml:"delimiter"`
}

// ConsolidationConfig ist die explizite Konfiguration der ID-Vergabe (ids-Schritt).
type ConsolidationConfig struct {
	Entity       string `yaml:"entity"`
	InputFile    string `yaml:"input_file"`
	OutputFile   string `yaml:"output_file"`
	MetadataFile string `yaml:"metadata_file"`
	IDMapFile    string `yaml:"id_map_file"`
	Delimiter    string `yaml:"delimiter"`

	ProvenanceColumns []string `yaml:"provenance_columns"`
	// PrefixPriority ist die Reihenfolge der Quellen für den konsolidierten Namen.
	PrefixPriority         []string `yaml:"prefix_priority"`
	NameSuffix             string   `yaml:"name_suffix"`
	ConsolidatedNameColumn string   `yaml:"consolidated_name_column"`

	IDPrefix   string `yaml:"id_prefix_string"`
	CodeLength int    `yaml:"code_length"`

	ScoreColumn        string `yaml:"score_column"`
	NormalizeKeys      bool   `yaml:"normalize_keys"`
	CorruptStorePolicy string `yaml:"corrupt_store_policy"`
}

var entityRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ApplyDefaults füllt leere Felder mit den Standardwerten.
func (c *ConsolidationConfig) ApplyDefaults() {
	c.Entity = strings.ToLower(strings.TrimSpace(c.Entity))
	if c.CodeLength == 0 {
		c.CodeLength = MinCodeLength
	}
	if c.IDPrefix == "" && c.Entity != "" {
		c.IDPrefix = "IFX" + titleCase(c.Entity)
	}
	if c.IDMapFile == "" && c.Entity != "" {
		c.IDMapFile = filepath.Join("cache", c.Entity+"_id_map.json")
	}
	if c.NameSuffix == "" {
		c.NameSuffix = "_name"
	}
	if c.ConsolidatedNameColumn == "" && len(c.PrefixPriority) > 0 && c.Entity != "" {
		c.ConsolidatedNameColumn = "consolidated_" + c.Entity + "_name"
	}
	if c.CorruptStorePolicy == "" {
		c.CorruptStorePolicy = CorruptStoreAbort
	}
}

// Validate prüft die Konfiguration. stepName dient nur der Fehlermeldung.
func (c *ConsolidationConfig) Validate(stepName string) error {
	if !entityRe.MatchString(c.Entity) {
		return confErr(stepName, "entity", "must match %s, got %q", entityRe.String(), c.Entity)
	}
	if c.InputFile == "" {
		return confErr(stepName, "input_file", "required")
	}
	if c.OutputFile == "" {
		return confErr(stepName, "output_file", "required")
	}
	if len(c.ProvenanceColumns) == 0 {
		return confErr(stepName, "provenance_columns", "at least one column required")
	}
	seen := make(map[string]bool, len(c.ProvenanceColumns))
	for _, col := range c.ProvenanceColumns {
		if strings.TrimSpace(col) == "" {
			return confErr(stepName, "provenance_columns", "empty column name")
		}
		if seen[col] {
			return confErr(stepName, "provenance_columns", "duplicate column %q", col)
		}
		seen[col] = true
	}
	if c.IDPrefix == "" || strings.ContainsAny(c.IDPrefix, ": \t|") {
		return confErr(stepName, "id_prefix_string", "must be non-empty and contain no ':', '|' or whitespace, got %q", c.IDPrefix)
	}
	if c.CodeLength < MinCodeLength {
		return confErr(stepName, "code_length", "must be at least %d, got %d", MinCodeLength, c.CodeLength)
	}
	switch c.CorruptStorePolicy {
	case CorruptStoreAbort, CorruptStoreReinitialize:
	default:
		return confErr(stepName, "corrupt_store_policy", "unknown policy %q", c.CorruptStorePolicy)
	}
	if _, err := ParseDelimiter(c.Delimiter, c.InputFile); err != nil {
		return confErr(stepName, "delimiter", "%v", err)
	}
	return nil
}

// IDColumn ist der Name der vorangestellten ID-Spalte, z.B. ncats_pathway_id.
func (c *ConsolidationConfig) IDColumn() string {
	return "ncats_" + c.Entity + "_id"
}

// NameColumns liefert die Namensspalten in Prioritätsreihenfolge.
func (c *ConsolidationConfig) NameColumns() []string {
	cols := make([]string, 0, len(c.PrefixPriority))
	for _, p := range c.PrefixPriority {
		cols = append(cols, p+c.NameSuffix)
	}
	return cols
}

// ApplyDefaults setzt die Spaltennamen des Cluster-Eingabeformats.
func (m *MergeConfig) ApplyDefaults() {
	if m.ClusterColumn == "" {
		m.ClusterColumn = "cluster_id"
	}
	if m.SourceColumn == "" {
		m.SourceColumn = "source"
	}
	if m.IDColumn == "" {
		m.IDColumn = "source_id"
	}
	if m.NameColumn == "" {
		m.NameColumn = "name"
	}
	if m.ScoreColumn == "" {
		m.ScoreColumn = "similarity_score"
	}
	if m.ConsolidatedNameColumn == "" {
		m.ConsolidatedNameColumn = "consolidated_name"
	}
}

// ApplyDefaults setzt Batchgröße und Spalten-Namespace.
func (n *NodeNormConfig) ApplyDefaults() {
	if n.BatchSize <= 0 {
		n.BatchSize = 500
	}
	if n.Namespace == "" {
		n.Namespace = "nodenorm_"
	}
	if n.CurieColumn == "" {
		n.CurieColumn = "curie"
	}
}

// ParseDelimiter übersetzt den konfigurierten Trenner. Ohne Angabe entscheidet die Dateiendung.
func ParseDelimiter(s, path string) (rune, error) {
	switch strings.ToLower(s) {
	case "":
		ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz")))
		if ext == ".tsv" || ext == ".txt" || ext == ".tab" {
			return '\t', nil
		}
		return ',', nil
	case "\t", `\t`, "tab", "tsv":
		return '\t', nil
	case ",", "comma", "csv":
		return ',', nil
	}
	return 0, fmt.Errorf("unsupported delimiter %q (want tab or comma)", s)
}

// LoadPipelines liest und validiert die YAML-Pipeline-Datei.
func LoadPipelines(path string) (*Pipelines, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return ParsePipelines(data)
}

// ParsePipelines dekodiert und validiert eine Pipeline-Konfiguration.
func ParsePipelines(data []byte) (*Pipelines, error) {
	var raw Pipelines
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	p := &Pipelines{Global: raw.Global, Categories: make(map[string][]Step, len(raw.Categories))}
	for cat, steps := range raw.Categories {
		key := strings.ToUpper(strings.TrimSpace(cat))
		if key == "" {
			return nil, confErr("", "categories", "empty category name")
		}
		names := make(map[string]bool, len(steps))
		for i := range steps {
			st := &steps[i]
			if st.Name == "" {
				return nil, confErr("", key, "step %d has no name", i)
			}
			if names[st.Name] {
				return nil, confErr(st.Name, "name", "duplicate step in category %s", key)
			}
			names[st.Name] = true
			if err := st.validate(); err != nil {
				return nil, err
			}
		}
		p.Categories[key] = steps
	}
	return p, nil
}

func (s *Step) validate() error {
	switch s.Kind {
	case KindDownload:
		if s.Download == nil {
			return confErr(s.Name, "download", "block required for kind download")
		}
		if len(s.Download.Sources) == 0 {
			return confErr(s.Name, "download.sources", "at least one source required")
		}
		for _, src := range s.Download.Sources {
			if src.URL == "" || src.RawPath == "" {
				return confErr(s.Name, "download.sources", "source %q needs url and raw_path", src.Name)
			}
		}
	case KindPivot:
		if s.Pivot == nil {
			return confErr(s.Name, "pivot", "block required for kind pivot")
		}
		pc := s.Pivot
		if pc.InputFile == "" || pc.OutputFile == "" {
			return confErr(s.Name, "pivot", "input_file and output_file required")
		}
		if pc.KeyColumn == "" || pc.XrefColumn == "" {
			return confErr(s.Name, "pivot", "key_column and xref_column required")
		}
		if _, err := ParseDelimiter(pc.Delimiter, pc.InputFile); err != nil {
			return confErr(s.Name, "pivot.delimiter", "%v", err)
		}
	case KindMerge:
		if s.Merge == nil {
			return confErr(s.Name, "merge", "block required for kind merge")
		}
		s.Merge.ApplyDefaults()
		if s.Merge.InputFile == "" || s.Merge.OutputFile == "" {
			return confErr(s.Name, "merge", "input_file and output_file required")
		}
		if len(s.Merge.Sources) == 0 {
			return confErr(s.Name, "merge.sources", "priority list required")
		}
		if _, err := ParseDelimiter(s.Merge.Delimiter, s.Merge.InputFile); err != nil {
			return confErr(s.Name, "merge.delimiter", "%v", err)
		}
	case KindIDs:
		if s.IDs == nil {
			return confErr(s.Name, "ids", "block required for kind ids")
		}
		s.IDs.ApplyDefaults()
		return s.IDs.Validate(s.Name)
	case KindNodeNorm:
		if s.NodeNorm == nil {
			return confErr(s.Name, "nodenorm", "block required for kind nodenorm")
		}
		s.NodeNorm.ApplyDefaults()
		if s.NodeNorm.InputFile == "" || s.NodeNorm.OutputFile == "" {
			return confErr(s.Name, "nodenorm", "input_file and output_file required")
		}
	default:
		return confErr(s.Name, "kind", "unknown kind %q", s.Kind)
	}
	return nil
}

// Steps liefert die Schritte einer Kategorie in Konfigurationsreihenfolge.
func (p *Pipelines) Steps(category string) ([]Step, error) {
	steps, ok := p.Categories[strings.ToUpper(category)]
	if !ok {
		return nil, confErr("", "categories", "unknown category %q", category)
	}
	return steps, nil
}

// FindStep sucht einen Schritt über alle Kategorien hinweg.
func (p *Pipelines) FindStep(name string) (string, Step, bool) {
	for cat, steps := range p.Categories {
		for _, st := range steps {
			if st.Name == name {
				return cat, st, true
			}
		}
	}
	return "", Step{}, false
}

func titleCase(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
