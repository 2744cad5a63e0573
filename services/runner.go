package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/models"
	"entity-resolvers/storage"

	"go.uber.org/zap"
)

// ErrRunInProgress wird von TryRun geliefert, wenn bereits ein Lauf aktiv ist.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// StepReport beschreibt einen ausgeführten Schritt.
type StepReport struct {
	Category string          `json:"category"`
	Step     string          `json:"step"`
	Kind     config.StepKind `json:"kind"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Records  int             `json:"records"`
	Minted   int             `json:"minted,omitempty"`
	Reused   int             `json:"reused,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Runner führt die Schritte einer Kategorie nacheinander aus. Pro Prozess läuft höchstens ein Lauf,
// damit jede ID-Map genau einen Schreiber hat.
type Runner struct {
	Pipelines    *config.Pipelines
	Logger       *zap.Logger
	Metrics      *Metrics
	Ledger       *storage.Ledger
	Consolidator *Consolidator
	Fetch        *FetchService
	NodeNorm     *NodeNormService
	Names        *NameNormalizer

	mu sync.Mutex
}

// Run wartet auf einen laufenden Lauf und führt dann die Kategorie aus.
// modules schränkt auf einzelne Schritte ein; leer bedeutet alle.
func (r *Runner) Run(ctx context.Context, category string, modules []string) ([]StepReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(ctx, category, modules)
}

// TryRun liefert ErrRunInProgress statt zu warten.
func (r *Runner) TryRun(ctx context.Context, category string, modules []string) ([]StepReport, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()
	return r.run(ctx, category, modules)
}

// Start belegt den Lauf sofort und führt ihn im Hintergrund aus. done wird nach Ende aufgerufen.
func (r *Runner) Start(ctx context.Context, category string, modules []string, done func([]StepReport, error)) error {
	if _, err := r.Pipelines.Steps(category); err != nil {
		return err
	}
	if !r.mu.TryLock() {
		return ErrRunInProgress
	}
	go func() {
		defer r.mu.Unlock()
		reports, err := r.run(ctx, category, modules)
		if done != nil {
			done(reports, err)
		}
	}()
	return nil
}

// Categories liefert alle konfigurierten Kategorien sortiert.
func (r *Runner) Categories() []string {
	out := make([]string, 0, len(r.Pipelines.Categories))
	for c := range r.Pipelines.Categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Runner) run(ctx context.Context, category string, modules []string) ([]StepReport, error) {
	category = strings.ToUpper(strings.TrimSpace(category))
	steps, err := r.Pipelines.Steps(category)
	if err != nil {
		return nil, err
	}
	selected, err := selectSteps(steps, modules)
	if err != nil {
		return nil, err
	}
	log := r.Logger.With(zap.String("category", category))
	log.Info("starting pipeline run", zap.Int("steps", len(selected)))

	var reports []StepReport
	for _, st := range selected {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep := StepReport{Category: category, Step: st.Name, Kind: st.Kind, Started: time.Now()}
		meta, err := r.runStep(ctx, st, &rep)
		rep.Finished = time.Now()
		if meta != nil {
			rep.Records = meta.Records
		}
		if err != nil {
			var ce *config.ConfigurationError
			if errors.As(err, &ce) && ce.Step == "" {
				ce.Step = st.Name
			}
			rep.Error = err.Error()
		}
		r.record(ctx, rep, meta)
		reports = append(reports, rep)
		if err != nil {
			log.Error("step failed, stopping category", zap.String("step", st.Name), zap.Error(err))
			return reports, fmt.Errorf("step %s: %w", st.Name, err)
		}
	}
	log.Info("pipeline run finished", zap.Int("steps", len(reports)))
	return reports, nil
}

func (r *Runner) runStep(ctx context.Context, st config.Step, rep *StepReport) (*models.StepMetadata, error) {
	switch st.Kind {
	case config.KindDownload:
		if r.Fetch == nil {
			return nil, &config.ConfigurationError{Step: st.Name, Field: "kind", Reason: "no download provider configured"}
		}
		return r.Fetch.Run(ctx, st.Name, st.Download)
	case config.KindPivot:
		return RunPivot(st.Name, st.Pivot, r.Logger)
	case config.KindMerge:
		return RunMerge(st.Name, st.Merge, r.Names, r.Logger)
	case config.KindNodeNorm:
		if r.NodeNorm == nil {
			return nil, &config.ConfigurationError{Step: st.Name, Field: "kind", Reason: "no node normalizer configured"}
		}
		return r.NodeNorm.Run(ctx, st.Name, st.NodeNorm)
	case config.KindIDs:
		c := *r.Consolidator
		c.QC = r.Pipelines.Global.QC()
		res, err := c.Run(ctx, st.Name, st.IDs)
		if err != nil {
			return nil, err
		}
		rep.Minted, rep.Reused = res.Minted, res.Reused
		return &res.Metadata, nil
	}
	return nil, &config.ConfigurationError{Step: st.Name, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", st.Kind)}
}

func (r *Runner) record(ctx context.Context, rep StepReport, meta *models.StepMetadata) {
	if r.Metrics != nil {
		r.Metrics.StepDuration.WithLabelValues(rep.Category, rep.Step, string(rep.Kind)).Observe(rep.Finished.Sub(rep.Started).Seconds())
		if rep.Error != "" {
			r.Metrics.StepFailures.WithLabelValues(rep.Category, rep.Step).Inc()
		}
	}
	if r.Ledger == nil {
		return
	}
	run := &models.PipelineRun{
		Category:   rep.Category,
		Step:       rep.Step,
		Kind:       string(rep.Kind),
		StartedAt:  rep.Started,
		FinishedAt: rep.Finished,
		Records:    rep.Records,
		Minted:     rep.Minted,
		Reused:     rep.Reused,
		Failed:     rep.Error != "",
		Error:      rep.Error,
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			run.Metadata = b
		}
	}
	if err := r.Ledger.RecordRun(ctx, run); err != nil {
		r.Logger.Warn("recording run in ledger failed", zap.String("step", rep.Step), zap.Error(err))
	}
}

func selectSteps(steps []config.Step, modules []string) ([]config.Step, error) {
	if len(modules) == 0 {
		return steps, nil
	}
	byName := make(map[string]config.Step, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}
	want := make(map[string]bool, len(modules))
	for _, m := range modules {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := byName[m]; !ok {
			return nil, &config.ConfigurationError{Field: "modules", Reason: fmt.Sprintf("unknown module %q", m)}
		}
		want[m] = true
	}
	// Konfigurationsreihenfolge beibehalten
	var out []config.Step
	for _, s := range steps {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}
