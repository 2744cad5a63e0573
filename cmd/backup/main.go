package main

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

type BackupConfig struct {
	// Verzeichnis mit den ID-Maps (*.json inkl. Lifecycle- und Diff-Dateien)
	CacheDir        string `envconfig:"ID_MAP_DIR" default:"cache"`
	BackupBucket    string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint  string `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey string `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey string `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion    string `envconfig:"BACKUP_S3_REGION" default:"us-east-1"`
	BackupPrefix    string `envconfig:"BACKUP_S3_PREFIX" default:"id-maps/"`
	KeepBackups     int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

// objectStore ist der Ausschnitt des S3-Clients, den das Backup braucht.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starte Backup der ID-Maps...")

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Fatal("Fehler beim Laden der Konfiguration", zap.Error(err))
	}
	ctx := context.Background()

	// 1. Archiv erstellen
	archive, files, err := createArchive(cfg.CacheDir)
	if err != nil {
		logger.Fatal("Fehler beim Erstellen des Archivs", zap.String("dir", cfg.CacheDir), zap.Error(err))
	}
	if files == 0 {
		logger.Warn("Keine ID-Maps gefunden, nichts zu sichern", zap.String("dir", cfg.CacheDir))
		return
	}

	// 2. S3-Client erstellen
	client, err := createS3Client(ctx, cfg)
	if err != nil {
		logger.Fatal("Fehler beim Erstellen des S3-Clients", zap.Error(err))
	}

	// 3. Hochladen
	key := cfg.BackupPrefix + fmt.Sprintf("id-maps-%s.tar.gz", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	if err := uploadToS3(ctx, client, cfg, key, archive); err != nil {
		logger.Fatal("Fehler beim Hochladen nach S3", zap.Error(err))
	}
	logger.Info("Backup hochgeladen", zap.String("bucket", cfg.BackupBucket), zap.String("key", key), zap.Int("files", files), zap.Int("bytes", len(archive)))

	// 4. Alte Backups rotieren
	deleted, err := rotateBackups(ctx, client, cfg, logger)
	if err != nil {
		logger.Fatal("Fehler bei der Rotation alter Backups", zap.Error(err))
	}
	logger.Info("Backup erfolgreich abgeschlossen", zap.Int("rotated", deleted))
}

// createArchive packt alle JSON-Dateien unter dir in ein tar.gz. Quarantänedateien werden mitgesichert.
func createArchive(dir string) ([]byte, int, error) {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isMapFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gz.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), files, nil
}

func isMapFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.Contains(name, ".json.corrupt-")
}

func createS3Client(ctx context.Context, cfg BackupConfig) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: cfg.BackupEndpoint}, nil
	})
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.BackupAccessKey, cfg.BackupSecretKey, "")),
		config.WithRegion(cfg.BackupRegion),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = true }), nil
}

func uploadToS3(ctx context.Context, client objectStore, cfg BackupConfig, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(cfg.BackupBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	return err
}

// rotateBackups behält die KeepBackups neuesten Archive unter BackupPrefix.
func rotateBackups(ctx context.Context, client objectStore, cfg BackupConfig, logger *zap.Logger) (int, error) {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(cfg.BackupPrefix),
	})
	if err != nil {
		return 0, err
	}
	if len(output.Contents) <= cfg.KeepBackups {
		logger.Info("Keine Rotation nötig", zap.Int("backups", len(output.Contents)), zap.Int("keep", cfg.KeepBackups))
		return 0, nil
	}

	sort.Slice(output.Contents, func(i, j int) bool {
		return output.Contents[i].LastModified.After(*output.Contents[j].LastModified)
	})

	deleted := 0
	for _, obj := range output.Contents[cfg.KeepBackups:] {
		logger.Info("Lösche altes Backup", zap.String("key", *obj.Key))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			logger.Warn("Fehler beim Löschen", zap.String("key", *obj.Key), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
