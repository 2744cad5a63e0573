package main

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

func TestCreateArchiveKeepsMapFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"pathway_id_map.json":                          `{"WP1|":"IFXPathway:AAAAAAA"}`,
		"pathway_id_map.lifecycle.json":                `[]`,
		"genes/gene_id_map.json":                       `{}`,
		"pathway_id_map.json.corrupt-20250101T000000Z": `{`,
		"notes.txt":                                    "skip me",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	data, n, err := createArchive(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("archived %d files", n)
	}

	gz, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
		body, _ := io.ReadAll(tr)
		if string(body) != files[hdr.Name] {
			t.Fatalf("%s = %q", hdr.Name, body)
		}
	}
	sort.Strings(names)
	want := []string{"genes/gene_id_map.json", "pathway_id_map.json", "pathway_id_map.json.corrupt-20250101T000000Z", "pathway_id_map.lifecycle.json"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v", names)
		}
	}
}

type fakeStore struct {
	objects []s3types.Object
	prefix  string
	deleted []string
}

func (f *fakeStore) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.prefix = aws.ToString(in.Prefix)
	return &s3.ListObjectsV2Output{Contents: f.objects}, nil
}

func (f *fakeStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestRotateBackupsKeepsNewest(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	for i := 0; i < 5; i++ {
		store.objects = append(store.objects, s3types.Object{
			Key:          aws.String("id-maps/backup-" + string(rune('a'+i))),
			LastModified: aws.Time(base.Add(time.Duration(i) * time.Hour)),
		})
	}
	cfg := BackupConfig{BackupBucket: "b", BackupPrefix: "id-maps/", KeepBackups: 2}

	n, err := rotateBackups(context.Background(), store, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || store.prefix != "id-maps/" {
		t.Fatalf("deleted %d, prefix %q", n, store.prefix)
	}
	sort.Strings(store.deleted)
	if store.deleted[0] != "id-maps/backup-a" || store.deleted[2] != "id-maps/backup-c" {
		t.Fatalf("deleted = %v", store.deleted)
	}
}
