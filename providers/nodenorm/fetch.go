package nodenorm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/models"

	"go.uber.org/zap"
)

// DefaultBatchSize gilt, wenn weder Aufrufer noch Fetcher eine Batchgröße setzen.
const DefaultBatchSize = 500

// Fetcher fragt den Translator Node Normalizer ab.
type Fetcher struct {
	Config    *config.Config
	Logger    *zap.Logger
	Client    *http.Client
	BaseURL   string
	// BatchSize gilt, wenn Normalize ohne eigene Größe aufgerufen wird.
	BatchSize int
}

// NewFetcher erstellt einen neuen NodeNorm-Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Fetcher{
		Config:    cfg,
		Logger:    logger,
		Client:    &http.Client{Timeout: timeout},
		BaseURL:   strings.TrimRight(cfg.NodeNormBaseURL, "/"),
		BatchSize: DefaultBatchSize,
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "nodenorm"
}

// Normalize löst die CURIEs in Batches zu batchSize auf. Doppelte und leere Eingaben werden vorher entfernt.
func (f *Fetcher) Normalize(ctx context.Context, curies []string, conflate bool, batchSize int) (map[string]models.NormalizedNode, error) {
	uniq := uniqueCuries(curies)
	out := make(map[string]models.NormalizedNode, len(uniq))
	size := batchSize
	if size <= 0 {
		size = f.BatchSize
	}
	if size <= 0 {
		size = DefaultBatchSize
	}
	for start := 0; start < len(uniq); start += size {
		end := min(start+size, len(uniq))
		batch := uniq[start:end]
		resp, err := f.post(ctx, Request{Curies: batch, Conflate: conflate})
		if err != nil {
			return nil, fmt.Errorf("nodenorm batch %d-%d: %w", start, end, err)
		}
		unresolved := 0
		for _, c := range batch {
			r := resp[c]
			if r == nil || r.ID.Identifier == "" {
				unresolved++
				continue
			}
			node := models.NormalizedNode{Input: c, PreferredID: r.ID.Identifier, Label: r.ID.Label, Types: r.Type}
			for _, eq := range r.EquivalentIdentifiers {
				if eq.Identifier != "" {
					node.EquivalentIDs = append(node.EquivalentIDs, eq.Identifier)
				}
			}
			out[c] = node
		}
		f.Logger.Debug("nodenorm batch resolved",
			zap.Int("batch_start", start),
			zap.Int("size", len(batch)),
			zap.Int("unresolved", unresolved))
	}
	return out, nil
}

func (f *Fetcher) post(ctx context.Context, body Request) (Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+"/get_normalized_nodes", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("nodenorm request failed with status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode nodenorm response: %w", err)
	}
	return out, nil
}

func uniqueCuries(curies []string) []string {
	seen := make(map[string]bool, len(curies))
	var out []string
	for _, c := range curies {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
