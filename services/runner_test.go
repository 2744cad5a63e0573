package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/models"
	"entity-resolvers/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
)

type fakeSource struct{ body string }

func (f fakeSource) Name() string { return "fake" }

func (f fakeSource) Fetch(_ context.Context, src config.SourceFile) (*models.Download, error) {
	if err := os.WriteFile(src.RawPath, []byte(f.body), 0o644); err != nil {
		return nil, err
	}
	return &models.Download{Name: src.Name, URL: src.URL, Path: src.RawPath, Changed: true, Size: int64(len(f.body))}, nil
}

type fakeNormalizer struct{}

func (fakeNormalizer) Name() string { return "fake" }

func (fakeNormalizer) Normalize(_ context.Context, curies []string, _ bool, _ int) (map[string]models.NormalizedNode, error) {
	out := map[string]models.NormalizedNode{}
	for _, c := range curies {
		if c == "MONDO:0005148" {
			out[c] = models.NormalizedNode{Input: c, PreferredID: "MONDO:0005148", Label: "type 2 diabetes mellitus",
				EquivalentIDs: []string{"MONDO:0005148", "DOID:9352"}}
		}
	}
	return out, nil
}

func runnerPipelines(t *testing.T, dir string) *config.Pipelines {
	t.Helper()
	yml := fmt.Sprintf(`
global:
  qc_mode: true
categories:
  diseases:
    - name: disease_download
      kind: download
      download:
        sources:
          - name: mondo
            url: http://example.org/mondo.tsv
            raw_path: %[1]s/mondo.tsv
    - name: disease_pivot
      kind: pivot
      pivot:
        input_file: %[1]s/mondo.tsv
        output_file: %[1]s/mondo_pivot.tsv
        key_column: mondo_id
        xref_column: xrefs
        namespace: mondo_
    - name: disease_nodenorm
      kind: nodenorm
      nodenorm:
        input_file: %[1]s/mondo_pivot.tsv
        output_file: %[1]s/mondo_nodenorm.tsv
        curie_column: mondo_id
    - name: disease_ids
      kind: ids
      ids:
        entity: disease
        input_file: %[1]s/mondo_pivot.tsv
        output_file: %[1]s/disease_ids.tsv
        id_map_file: %[1]s/cache/disease_id_map.json
        provenance_columns: [mondo_id]
`, filepath.ToSlash(dir))
	p, err := config.ParsePipelines([]byte(yml))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestRunner(t *testing.T, dir string) *Runner {
	t.Helper()
	ledger, err := storage.OpenLedger(sqlite.Open(filepath.Join(dir, "ledger.db")), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	metrics := NewMetrics(nil)
	consolidator := NewConsolidator(logger, metrics)
	consolidator.Ledger = ledger
	return &Runner{
		Pipelines:    runnerPipelines(t, dir),
		Logger:       logger,
		Metrics:      metrics,
		Ledger:       ledger,
		Consolidator: consolidator,
		Fetch: NewFetchService(&config.Config{DownloadParallelism: 2}, logger,
			fakeSource{body: "mondo_id\txrefs\nMONDO:0005148\tDOID:9352|UMLS:C0011860\nMONDO:0000001\t\n"}, metrics),
		NodeNorm: &NodeNormService{Normalizer: fakeNormalizer{}, Logger: logger},
		Names:    NewNameNormalizer(logger),
	}
}

func TestRunnerRunsCategoryInOrder(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)
	reports, err := r.Run(context.Background(), "Diseases", nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, rep := range reports {
		names = append(names, rep.Step)
	}
	if got := strings.Join(names, ","); got != "disease_download,disease_pivot,disease_nodenorm,disease_ids" {
		t.Fatalf("steps = %s", got)
	}
	if reports[3].Minted != 2 {
		t.Fatalf("ids report = %+v", reports[3])
	}

	nn, err := ReadTable(filepath.Join(dir, "mondo_nodenorm.tsv"), '\t')
	if err != nil {
		t.Fatal(err)
	}
	if nn.Value(0, PreferredIDColumn) != "MONDO:0005148" || nn.Value(0, "nodenorm_doid") != "9352" {
		t.Fatalf("nodenorm row = %v", nn.Rows[0])
	}

	runs, err := r.Ledger.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 4 {
		t.Fatalf("ledger runs = %d", len(runs))
	}
	a, err := r.Ledger.Lookup(context.Background(), "disease", "MONDO:0005148")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a.ConsolidatedID, "IFXDisease:") {
		t.Fatalf("ledger id = %q", a.ConsolidatedID)
	}
	if got := testutil.CollectAndCount(r.Metrics.StepDuration); got != 4 {
		t.Fatalf("duration series = %d", got)
	}
}

func TestRunnerSelectsModules(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)
	reports, err := r.Run(context.Background(), "DISEASES", []string{"disease_pivot", "disease_download"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 || reports[0].Step != "disease_download" || reports[1].Step != "disease_pivot" {
		t.Fatalf("reports = %+v", reports)
	}

	_, err = r.Run(context.Background(), "DISEASES", []string{"nope"})
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "modules" {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := r.Run(context.Background(), "GENES", nil); !errors.As(err, &ce) {
		t.Fatalf("unknown category: %v", err)
	}
}

func TestRunnerStopsCategoryOnFailure(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)
	// Pivot findet seine Eingabe nicht, weil der Download übersprungen wird
	reports, err := r.Run(context.Background(), "DISEASES", []string{"disease_pivot", "disease_ids"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(reports) != 1 || reports[0].Error == "" {
		t.Fatalf("reports = %+v", reports)
	}
	if got := testutil.ToFloat64(r.Metrics.StepFailures.WithLabelValues("DISEASES", "disease_pivot")); got != 1 {
		t.Fatalf("failures = %v", got)
	}
	runs, _ := r.Ledger.RecentRuns(context.Background(), 10)
	if len(runs) != 1 || !runs[0].Failed {
		t.Fatalf("ledger runs = %+v", runs)
	}
}

func TestRunnerTryRunRejectsConcurrentRun(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)
	r.mu.Lock()
	_, err := r.TryRun(context.Background(), "DISEASES", nil)
	r.mu.Unlock()
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.TryRun(ctx, "DISEASES", []string{"disease_download"}); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerCategories(t *testing.T) {
	r := &Runner{Pipelines: &config.Pipelines{Categories: map[string][]config.Step{"GENES": nil, "DISEASES": nil}}}
	if got := strings.Join(r.Categories(), ","); got != "DISEASES,GENES" {
		t.Fatalf("categories = %s", got)
	}
}
