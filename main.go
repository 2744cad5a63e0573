package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/providers/download"
	"entity-resolvers/providers/nodenorm"
	"entity-resolvers/services"
	"entity-resolvers/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
)

const usage = `usage:
  entity-resolvers run -category PATHWAYS (-all | -modules a,b)
  entity-resolvers serve
  entity-resolvers lookup -store cache/pathway_id_map.json (-key K | -id ID)`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logging, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	switch os.Args[1] {
	case "run":
		err = runCommand(cfg, logging, os.Args[2:])
	case "serve":
		err = serveCommand(cfg, logging)
	case "lookup":
		err = lookupCommand(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			logging.Fatal("Invalid configuration", zap.String("step", ce.Step), zap.String("field", ce.Field), zap.String("reason", ce.Reason))
		}
		logging.Fatal("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if strings.EqualFold(cfg.LogMode, "development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newRunner verdrahtet Provider, Ledger und Spiegel. reg darf nil sein.
func newRunner(cfg *config.Config, logging *zap.Logger, reg prometheus.Registerer) (*services.Runner, error) {
	pipelines, err := config.LoadPipelines(cfg.PipelineConfigPath)
	if err != nil {
		return nil, err
	}
	metrics := services.NewMetrics(reg)

	var ledger *storage.Ledger
	if cfg.LedgerEnabled() {
		ledger, err = storage.OpenLedger(postgres.Open(cfg.DSN()), logging)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		logging.Info("Connected to ledger database", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))
	}

	consolidator := services.NewConsolidator(logging, metrics)
	consolidator.Ledger = ledger
	if cfg.MirrorEnabled() {
		mirror, err := storage.NewS3Mirror(cfg, logging)
		if err != nil {
			return nil, fmt.Errorf("s3 mirror: %w", err)
		}
		consolidator.Mirror = mirror
		logging.Info("Mirroring id maps to S3", zap.String("bucket", cfg.S3Bucket), zap.String("prefix", cfg.S3Prefix))
	}

	return &services.Runner{
		Pipelines:    pipelines,
		Logger:       logging,
		Metrics:      metrics,
		Ledger:       ledger,
		Consolidator: consolidator,
		Fetch:        services.NewFetchService(cfg, logging, download.NewFetcher(cfg, logging), metrics),
		NodeNorm:     &services.NodeNormService{Normalizer: nodenorm.NewFetcher(cfg, logging), Logger: logging},
		Names:        services.NewNameNormalizer(logging),
	}, nil
}

func runCommand(cfg *config.Config, logging *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	category := fs.String("category", "", "category to run, e.g. PATHWAYS")
	all := fs.Bool("all", false, "run every step of the category")
	modules := fs.String("modules", "", "comma separated step names")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *category == "" {
		return &config.ConfigurationError{Field: "-category", Reason: "required"}
	}
	if *all == (*modules != "") {
		return &config.ConfigurationError{Field: "-all/-modules", Reason: "exactly one of -all or -modules is required"}
	}

	runner, err := newRunner(cfg, logging, nil)
	if err != nil {
		return err
	}
	var selected []string
	if !*all {
		selected = strings.Split(*modules, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reports, err := runner.Run(ctx, *category, selected)
	for _, rep := range reports {
		logging.Info("Step report",
			zap.String("step", rep.Step),
			zap.String("kind", string(rep.Kind)),
			zap.Int("records", rep.Records),
			zap.Duration("took", rep.Finished.Sub(rep.Started)),
			zap.String("error", rep.Error))
	}
	return err
}

func serveCommand(cfg *config.Config, logging *zap.Logger) error {
	runner, err := newRunner(cfg, logging, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	if cfg.CronSchedule != "" {
		cronScheduler := cron.New()
		categories := cfg.CronCategoryList()
		_, err := cronScheduler.AddFunc(cfg.CronSchedule, func() {
			for _, category := range categories {
				logging.Info("Running scheduled pipeline", zap.String("category", category))
				if _, err := runner.Run(context.Background(), category, nil); err != nil {
					logging.Error("Scheduled pipeline failed", zap.String("category", category), zap.Error(err))
				}
			}
		})
		if err != nil {
			return &config.ConfigurationError{Field: "CRON_SCHEDULE", Reason: err.Error()}
		}
		cronScheduler.Start()
		defer cronScheduler.Stop()
		logging.Info("Cron scheduled", zap.String("schedule", cfg.CronSchedule), zap.Strings("categories", categories))
	}

	router := setupRouter(cfg, runner, logging)
	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func lookupCommand(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	path := fs.String("store", "", "path to the id map JSON")
	key := fs.String("key", "", "provenance key to resolve")
	id := fs.String("id", "", "consolidated id to resolve back to its key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || (*key == "") == (*id == "") {
		return &config.ConfigurationError{Field: "lookup", Reason: "-store and exactly one of -key or -id are required"}
	}
	store, err := storage.Load(*path)
	if err != nil {
		return err
	}
	if *key != "" {
		e, ok := store.Entry(*key)
		if !ok {
			return fmt.Errorf("key %q not in %s", *key, *path)
		}
		fmt.Printf("%s\t%s\t%s\n", e.ID, stamp(e.CreatedAt), stamp(e.UpdatedAt))
		return nil
	}
	k, ok := store.KeyFor(*id)
	if !ok {
		return fmt.Errorf("id %q not in %s", *id, *path)
	}
	fmt.Println(k)
	return nil
}
