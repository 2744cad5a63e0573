package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/services"
	"entity-resolvers/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func testRouter(t *testing.T, secret string) (*gin.Engine, *services.Runner, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "pathway_id_map.json")

	store := storage.NewIDStore()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.Assign("R-HSA-1|WP1", "IFXPathway:ABCDEFG", created); err != nil {
		t.Fatal(err)
	}
	if err := store.Persist(mapPath); err != nil {
		t.Fatal(err)
	}

	pipelines := &config.Pipelines{Categories: map[string][]config.Step{
		"PATHWAYS": {{
			Name: "pathway_ids",
			Kind: config.KindIDs,
			IDs:  &config.ConsolidationConfig{Entity: "pathway", IDMapFile: mapPath},
		}},
	}}
	logger := zap.NewNop()
	runner := &services.Runner{
		Pipelines:    pipelines,
		Logger:       logger,
		Consolidator: services.NewConsolidator(logger, nil),
	}
	return setupRouter(&config.Config{APISecretKey: secret}, runner, logger), runner, mapPath
}

func TestHealthzSkipsAuth(t *testing.T) {
	router, _, _ := testRouter(t, "s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "PATHWAYS") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestAPIKeyRequired(t *testing.T) {
	router, _, _ := testRouter(t, "s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ids/pathway_ids?key=x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestIDLookupRoutes(t *testing.T) {
	router, _, _ := testRouter(t, "")

	tests := []struct {
		name   string
		url    string
		status int
		want   string
	}{
		{"by key", "/ids/pathway_ids?key=R-HSA-1%7CWP1", http.StatusOK, "IFXPathway:ABCDEFG"},
		{"by id", "/ids/pathway_ids?id=IFXPathway:ABCDEFG", http.StatusOK, "R-HSA-1|WP1"},
		{"unknown key", "/ids/pathway_ids?key=nope", http.StatusNotFound, ""},
		{"unknown step", "/ids/gene_ids?key=x", http.StatusNotFound, ""},
		{"no query", "/ids/pathway_ids", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if w.Code != tt.status {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			if tt.want == "" {
				return
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["id"] != tt.want && body["key"] != tt.want {
				t.Fatalf("body = %v", body)
			}
			if body["createdAt"] != "2025-01-01T00:00:00Z" {
				t.Fatalf("createdAt = %q", body["createdAt"])
			}
		})
	}
}

func TestTriggerRunRejectsUnknownCategory(t *testing.T) {
	router, _, _ := testRouter(t, "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs/genes", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRunsWithoutLedger(t *testing.T) {
	router, _, _ := testRouter(t, "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestLookupCommandValidatesFlags(t *testing.T) {
	if err := lookupCommand([]string{"-store", "x.json"}); err == nil {
		t.Fatal("expected error without -key or -id")
	}
	_, _, mapPath := testRouter(t, "")
	if err := lookupCommand([]string{"-store", mapPath, "-key", "R-HSA-1|WP1"}); err != nil {
		t.Fatal(err)
	}
	if err := lookupCommand([]string{"-store", mapPath, "-id", "IFXPathway:MISSING"}); err == nil {
		t.Fatal("expected error for unknown id")
	}
}
