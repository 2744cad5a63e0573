package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"entity-resolvers/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Mirror spiegelt erzeugte Dateien (ID-Maps, Ausgabetabellen) in einen Objektspeicher.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// ObjectPutter ist der Teil des S3-Clients, den der Spiegel braucht.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Endpunkt.
func NewS3Client(cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.S3URL,
				SigningRegion:     cfg.S3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// S3Mirror lädt Dateien unter einem festen Präfix in einen Bucket.
type S3Mirror struct {
	Client  ObjectPutter
	Bucket  string
	Prefix  string
	BaseURL string
	Logger  *zap.Logger
}

// NewS3Mirror baut den Spiegel aus der Prozesskonfiguration.
func NewS3Mirror(cfg *config.Config, logger *zap.Logger) (*S3Mirror, error) {
	client, err := NewS3Client(cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3Mirror{Client: client, Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix, BaseURL: cfg.S3URL, Logger: logger}, nil
}

// Upload lädt data unter Prefix/key hoch und gibt den Link zurück.
func (m *S3Mirror) Upload(ctx context.Context, key string, data []byte) (string, error) {
	full := path.Join(m.Prefix, key)
	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.Bucket,
		Key:    &full,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", full, err)
	}
	link := fmt.Sprintf("%s/%s/%s", m.BaseURL, m.Bucket, full)
	if m.Logger != nil {
		m.Logger.Debug("mirrored object", zap.String("key", full), zap.Int("bytes", len(data)))
	}
	return link, nil
}

// MirrorFiles lädt lokale Dateien unter ihrem Basisnamen und einem Unterordner hoch.
// Fehlende Dateien werden übersprungen.
func MirrorFiles(ctx context.Context, m Mirror, folder string, files ...string) ([]string, error) {
	var links []string
	for _, f := range files {
		if f == "" {
			continue
		}
		data, err := os.ReadFile(f)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return links, fmt.Errorf("read %s: %w", f, err)
		}
		link, err := m.Upload(ctx, path.Join(folder, filepath.Base(f)), data)
		if err != nil {
			return links, err
		}
		links = append(links, link)
	}
	return links, nil
}
