package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/models"
	"entity-resolvers/providers"
	"entity-resolvers/storage"

	"go.uber.org/zap"
)

func writeMetadata(path string, meta *models.StepMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// metadataPath: explizit konfiguriert, sonst <output ohne Endung>_metadata.json.
func metadataPath(explicit, output string) string {
	if explicit != "" {
		return explicit
	}
	base := strings.TrimSuffix(output, ".gz")
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_metadata.json"
}

// outputDelimiter richtet sich nach der Endung der Ausgabedatei, sonst nach der Eingabe.
func outputDelimiter(path string, fallback rune) rune {
	switch strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz"))) {
	case ".tsv", ".txt", ".tab":
		return '\t'
	case ".csv":
		return ','
	}
	return fallback
}

// RunPivot führt einen pivot-Schritt aus.
func RunPivot(step string, pc *config.PivotConfig, logger *zap.Logger) (*models.StepMetadata, error) {
	log := logger.With(zap.String("step", step))
	started := time.Now()
	meta := &models.StepMetadata{DataSources: []string{pc.InputFile}}
	meta.Timestamp.Start = started

	delim, err := config.ParseDelimiter(pc.Delimiter, pc.InputFile)
	if err != nil {
		return nil, &config.ConfigurationError{Step: step, Field: "pivot.delimiter", Reason: err.Error()}
	}
	in, err := ReadTable(pc.InputFile, delim)
	if err != nil {
		return nil, err
	}
	phase := time.Now()
	if pc.CrossRefFile != "" {
		refs, err := ExplodeCrossRefs(in, pc.KeyColumn, pc.XrefColumn)
		if err != nil {
			return nil, err
		}
		long := CrossRefTable(refs)
		if err := long.WriteFile(pc.CrossRefFile, outputDelimiter(pc.CrossRefFile, delim)); err != nil {
			return nil, err
		}
		meta.Outputs = append(meta.Outputs, models.Output{Name: "crossrefs", Path: pc.CrossRefFile, Records: long.Len()})
	}
	out, cols, err := Pivot(in, PivotOptions{
		KeyColumn:  pc.KeyColumn,
		XrefColumn: pc.XrefColumn,
		Namespace:  pc.Namespace,
		DropSource: pc.DropSource,
	})
	if err != nil {
		return nil, err
	}
	meta.AddStep("pivot", fmt.Sprintf("%d prefix columns: %s", len(cols), strings.Join(cols, ", ")), out.Len(), phase)
	if err := out.WriteFile(pc.OutputFile, outputDelimiter(pc.OutputFile, delim)); err != nil {
		return nil, err
	}
	meta.Outputs = append(meta.Outputs, models.Output{Name: "pivot", Path: pc.OutputFile, Records: out.Len()})
	meta.Records = out.Len()
	meta.Timestamp.End = time.Now()
	if err := writeMetadata(metadataPath(pc.MetadataFile, pc.OutputFile), meta); err != nil {
		return nil, err
	}
	log.Info("pivot finished", zap.Int("rows", out.Len()), zap.Strings("columns", cols))
	return meta, nil
}

// RunMerge führt einen merge-Schritt aus.
func RunMerge(step string, mc *config.MergeConfig, names *NameNormalizer, logger *zap.Logger) (*models.StepMetadata, error) {
	log := logger.With(zap.String("step", step))
	started := time.Now()
	local := *mc
	mc = &local
	mc.ApplyDefaults()
	meta := &models.StepMetadata{DataSources: []string{mc.InputFile}}
	meta.Timestamp.Start = started

	delim, err := config.ParseDelimiter(mc.Delimiter, mc.InputFile)
	if err != nil {
		return nil, &config.ConfigurationError{Step: step, Field: "merge.delimiter", Reason: err.Error()}
	}
	in, err := ReadTable(mc.InputFile, delim)
	if err != nil {
		return nil, err
	}
	members, err := ClusterMembers(in, mc)
	if err != nil {
		return nil, err
	}
	opts := MergeOptions{
		Priority:               mc.Sources,
		ClusterColumn:          mc.ClusterColumn,
		ConsolidatedNameColumn: mc.ConsolidatedNameColumn,
		ScoreColumn:            mc.ScoreColumn,
	}
	if mc.NormalizeNames {
		opts.Normalizer = names
	}
	phase := time.Now()
	out, stats, err := MergeClusters(members, opts)
	if err != nil {
		return nil, err
	}
	meta.AddStep("merge", fmt.Sprintf("%d clusters, %d matched across sources, %d single-source", stats.Clusters, stats.Matched, stats.Unmatched), out.Len(), phase)
	if err := out.WriteFile(mc.OutputFile, outputDelimiter(mc.OutputFile, delim)); err != nil {
		return nil, err
	}
	meta.Outputs = append(meta.Outputs, models.Output{Name: "merged", Path: mc.OutputFile, Records: out.Len()})
	meta.Records = out.Len()
	meta.Timestamp.End = time.Now()
	if err := writeMetadata(metadataPath(mc.MetadataFile, mc.OutputFile), meta); err != nil {
		return nil, err
	}
	for _, src := range mc.Sources {
		log.Info("source coverage",
			zap.String("source", src),
			zap.Int("members", stats.MembersPerSource[src]),
			zap.Int("clusters", stats.ClustersPerSource[src]))
	}
	log.Info("merge finished", zap.Int("clusters", stats.Clusters), zap.Int("matched", stats.Matched), zap.Int("unmatched", stats.Unmatched))
	return meta, nil
}

// NodeNormService schreibt für jede CURIE die normalisierte Form und pivotiert die Äquivalente.
type NodeNormService struct {
	Normalizer providers.Normalizer
	Logger     *zap.Logger
}

// Spalten, die der nodenorm-Schritt anhängt.
const (
	PreferredIDColumn    = "preferred_id"
	PreferredLabelColumn = "preferred_label"
	EquivalentIDsColumn  = "equivalent_identifiers"
)

// Run führt einen nodenorm-Schritt aus.
func (s *NodeNormService) Run(ctx context.Context, step string, nc *config.NodeNormConfig) (*models.StepMetadata, error) {
	log := s.Logger.With(zap.String("step", step), zap.String("normalizer", s.Normalizer.Name()))
	started := time.Now()
	local := *nc
	nc = &local
	nc.ApplyDefaults()
	meta := &models.StepMetadata{DataSources: []string{nc.InputFile}}
	meta.Timestamp.Start = started

	delim, err := config.ParseDelimiter(nc.Delimiter, nc.InputFile)
	if err != nil {
		return nil, &config.ConfigurationError{Step: step, Field: "nodenorm.delimiter", Reason: err.Error()}
	}
	in, err := ReadTable(nc.InputFile, delim)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(in, map[string]string{"nodenorm.curie_column": nc.CurieColumn}); err != nil {
		return nil, err
	}

	curies := make([]string, in.Len())
	for r := range in.Rows {
		curies[r] = strings.TrimSpace(in.Value(r, nc.CurieColumn))
	}
	phase := time.Now()
	nodes, err := s.Normalizer.Normalize(ctx, curies, nc.Conflate, nc.BatchSize)
	if err != nil {
		return nil, err
	}
	meta.AddStep("normalize", fmt.Sprintf("%d of %d curies resolved", len(nodes), len(curies)), len(nodes), phase)

	out := in.Clone()
	pref := make([]string, out.Len())
	label := make([]string, out.Len())
	equiv := make([]string, out.Len())
	for r, c := range curies {
		n, ok := nodes[c]
		if !ok {
			continue
		}
		pref[r], label[r] = n.PreferredID, n.Label
		equiv[r] = strings.Join(n.EquivalentIDs, ValueSeparator)
	}
	out.SetColumn(PreferredIDColumn, pref)
	out.SetColumn(PreferredLabelColumn, label)
	out.SetColumn(EquivalentIDsColumn, equiv)

	phase = time.Now()
	out, cols, err := Pivot(out, PivotOptions{KeyColumn: nc.CurieColumn, XrefColumn: EquivalentIDsColumn, Namespace: nc.Namespace})
	if err != nil {
		return nil, err
	}
	meta.AddStep("pivot_equivalents", strings.Join(cols, ", "), out.Len(), phase)

	if err := out.WriteFile(nc.OutputFile, outputDelimiter(nc.OutputFile, delim)); err != nil {
		return nil, err
	}
	meta.Outputs = append(meta.Outputs, models.Output{Name: "nodenorm", Path: nc.OutputFile, Records: out.Len()})
	meta.Records = out.Len()
	meta.Timestamp.End = time.Now()
	if err := writeMetadata(metadataPath(nc.MetadataFile, nc.OutputFile), meta); err != nil {
		return nil, err
	}
	log.Info("nodenorm finished", zap.Int("rows", out.Len()), zap.Int("resolved", len(nodes)), zap.Int("prefix_columns", len(cols)))
	return meta, nil
}
