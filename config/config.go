package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Prozess-Parameter aus Umgebungsvariablen.
// Die eigentlichen Pipeline-Schritte stehen in der YAML-Datei unter PipelineConfigPath.
type Config struct {
	LogMode            string `envconfig:"LOG_MODE" default:"production"`
	PipelineConfigPath string `envconfig:"PIPELINE_CONFIG" default:"config/pipelines.yaml"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Leer = kein Cron im serve-Modus
	CronSchedule   string `envconfig:"CRON_SCHEDULE"`
	CronCategories string `envconfig:"CRON_CATEGORIES" default:"PATHWAYS"`

	NodeNormBaseURL     string `envconfig:"NODENORM_BASE_URL" default:"https://nodenormalization-sri.renci.org/1.4"`
	HTTPTimeoutSeconds  int    `envconfig:"HTTP_TIMEOUT_SECONDS" default:"120"`
	DownloadParallelism int    `envconfig:"DOWNLOAD_PARALLELISM" default:"4"`

	// Optionales Ledger in PostgreSQL. Ohne DB_HOST wird nur die JSON-Map geschrieben.
	DBHost     string `envconfig:"DB_HOST"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"entity_resolvers"`

	// Optionaler S3-Spiegel für ID-Maps und Ausgabetabellen.
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"entity-resolvers"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// LedgerEnabled meldet, ob ein Postgres-Ledger konfiguriert ist.
func (c *Config) LedgerEnabled() bool {
	return c.DBHost != ""
}

// MirrorEnabled meldet, ob ein S3-Spiegel konfiguriert ist.
func (c *Config) MirrorEnabled() bool {
	return c.S3Bucket != "" && c.S3URL != ""
}

// CronCategoryList zerlegt CRON_CATEGORIES in eine Liste.
func (c *Config) CronCategoryList() []string {
	var out []string
	for _, s := range strings.Split(c.CronCategories, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
