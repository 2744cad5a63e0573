package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"entity-resolvers/config"
	"entity-resolvers/models"
	"entity-resolvers/providers"
)

// FetchService lädt die Rohdateien eines download-Schritts parallel herunter.
type FetchService struct {
	Config  *config.Config
	Logger  *zap.Logger
	Source  providers.Source
	Metrics *Metrics
}

// NewFetchService erstellt eine neue Instanz des FetchService.
func NewFetchService(cfg *config.Config, logger *zap.Logger, src providers.Source, metrics *Metrics) *FetchService {
	return &FetchService{Config: cfg, Logger: logger, Source: src, Metrics: metrics}
}

// Run lädt alle Quellen des Schritts. Der erste Fehler bricht die übrigen Downloads ab.
func (f *FetchService) Run(ctx context.Context, step string, dc *config.DownloadConfig) (*models.StepMetadata, error) {
	log := f.Logger.With(zap.String("step", step), zap.String("provider", f.Source.Name()))
	started := time.Now()
	meta := &models.StepMetadata{}
	meta.Timestamp.Start = started

	limit := f.Config.DownloadParallelism
	if limit <= 0 {
		limit = 1
	}
	results := make([]*models.Download, len(dc.Sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, src := range dc.Sources {
		i, src := i, src
		g.Go(func() error {
			dl, err := f.Source.Fetch(gctx, src)
			if err != nil {
				log.Error("download failed", zap.String("source", src.Name), zap.Error(err))
				return fmt.Errorf("source %s: %w", src.Name, err)
			}
			results[i] = dl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changed := 0
	for i, dl := range results {
		meta.Downloads = append(meta.Downloads, *dl)
		meta.DataSources = append(meta.DataSources, dc.Sources[i].URL)
		if dl.Changed {
			changed++
			if f.Metrics != nil {
				f.Metrics.DownloadsChanged.WithLabelValues(dl.Name).Inc()
			}
		}
	}
	meta.Records = len(results)
	meta.AddStep("download", fmt.Sprintf("%d sources, %d changed", len(results), changed), len(results), started)
	meta.Timestamp.End = time.Now()

	if dc.MetadataFile != "" {
		if err := writeMetadata(dc.MetadataFile, meta); err != nil {
			return nil, err
		}
	}
	log.Info("downloads finished", zap.Int("sources", len(results)), zap.Int("changed", changed))
	return meta, nil
}
