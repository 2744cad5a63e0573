package download

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/models"
	"entity-resolvers/storage"

	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

// CustomTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type CustomTransport struct {
	Transport http.RoundTripper
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "entity-resolvers/1.0 (+https://ncats.nih.gov)")
	return t.Transport.RoundTrip(req)
}

// Fetcher lädt Quelldateien und erkennt Änderungen gegenüber dem letzten Download.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
	Now    func() time.Time
}

// NewFetcher erstellt einen neuen Download-Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Fetcher{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: &CustomTransport{Transport: http.DefaultTransport},
		},
		Now: time.Now,
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "download"
}

// Fetch lädt die Datei, vergleicht per MD5 mit der vorhandenen Version, sichert die alte
// als .backup und schreibt bei Änderung einen Zeilen-Diff nach <raw_path>.diff.txt.
func (f *Fetcher) Fetch(ctx context.Context, src config.SourceFile) (*models.Download, error) {
	log := f.Logger.With(zap.String("source", src.Name), zap.String("url", src.URL))
	log.Info("downloading source")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s failed with status: %d", src.URL, resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", src.URL, err)
	}

	dl := &models.Download{
		Name:         src.Name,
		URL:          src.URL,
		Path:         src.RawPath,
		DownloadedAt: f.Now(),
		MD5:          md5Hex(content),
		Size:         int64(len(content)),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	previous, err := os.ReadFile(src.RawPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		dl.Changed = true
	case err != nil:
		return nil, fmt.Errorf("read previous %s: %w", src.RawPath, err)
	default:
		dl.PreviousMD5 = md5Hex(previous)
		dl.Changed = dl.PreviousMD5 != dl.MD5
	}

	if !dl.Changed {
		log.Info("no change detected", zap.String("md5", dl.MD5))
		return dl, nil
	}

	if previous != nil {
		dl.BackupPath = src.RawPath + ".backup"
		if err := storage.WriteFileAtomic(dl.BackupPath, previous, 0o644); err != nil {
			return nil, fmt.Errorf("backup %s: %w", src.RawPath, err)
		}
	}
	if err := storage.WriteFileAtomic(src.RawPath, content, 0o644); err != nil {
		return nil, err
	}

	newText, oldText := content, previous
	if src.Decompress {
		newText, err = gunzip(content)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", src.RawPath, err)
		}
		if err := storage.WriteFileAtomic(DecompressedPath(src.RawPath), newText, 0o644); err != nil {
			return nil, err
		}
		if previous != nil {
			if oldText, err = gunzip(previous); err != nil {
				log.Warn("previous file not gzip, diff skipped", zap.Error(err))
				oldText = nil
			}
		}
	}

	if oldText != nil && !isGzip(newText) {
		added, removed := LineDiff(oldText, newText)
		dl.DiffPath = src.RawPath + ".diff.txt"
		if err := storage.WriteFileAtomic(dl.DiffPath, formatDiff(added, removed), 0o644); err != nil {
			return nil, err
		}
		log.Info("content changed, diff written",
			zap.String("diff", dl.DiffPath),
			zap.Int("added_lines", len(added)),
			zap.Int("removed_lines", len(removed)))
	} else {
		log.Info("saved new source file", zap.String("path", src.RawPath), zap.Int64("bytes", dl.Size))
	}
	return dl, nil
}

// DecompressedPath ist der Pfad der entpackten Datei neben dem .gz.
func DecompressedPath(raw string) string {
	if strings.HasSuffix(raw, ".gz") {
		return strings.TrimSuffix(raw, ".gz")
	}
	return raw + ".out"
}

// LineDiff vergleicht beide Inhalte als Zeilenmengen. Reihenfolge der Zeilen wie im jeweiligen Inhalt.
func LineDiff(oldContent, newContent []byte) (added, removed []string) {
	oldLines := lineSet(oldContent)
	newLines := lineSet(newContent)
	for _, l := range splitLines(newContent) {
		if !oldLines[l] {
			added = append(added, l)
			oldLines[l] = true
		}
	}
	for _, l := range splitLines(oldContent) {
		if !newLines[l] {
			removed = append(removed, l)
			newLines[l] = true
		}
	}
	return added, removed
}

func formatDiff(added, removed []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %d lines added, %d lines removed\n", len(added), len(removed))
	for _, l := range removed {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	for _, l := range added {
		b.WriteString("+ ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func splitLines(content []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines
}

func lineSet(content []byte) map[string]bool {
	set := make(map[string]bool)
	for _, l := range splitLines(content) {
		set[l] = true
	}
	return set
}

func gunzip(data []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
