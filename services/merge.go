package services

import (
	"fmt"
	"sort"
	"strings"

	"entity-resolvers/config"
	"entity-resolvers/models"
)

// MergeOptions steuern das Zusammenführen geclusterter Quellen.
type MergeOptions struct {
	// Priority ist die Reihenfolge der Quellen für den konsolidierten Namen.
	Priority               []string
	ClusterColumn          string
	ConsolidatedNameColumn string
	ScoreColumn            string
	Normalizer             *NameNormalizer
}

// MergeStats fasst das Ergebnis eines Merges zusammen.
type MergeStats struct {
	Clusters          int            `json:"clusters"`
	Members           int            `json:"members"`
	MembersPerSource  map[string]int `json:"members_per_source"`
	ClustersPerSource map[string]int `json:"clusters_per_source"`
	// Matched: Cluster mit Mitgliedern aus mindestens zwei Quellen
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

type clusterAcc struct {
	ids      map[string][]string
	names    map[string][]string
	bestName map[string]string
	score    string
	scoreVal float64
}

// MergeClusters baut aus Clusterzuordnungen eine breite Tabelle: eine Zeile pro Cluster,
// je Quelle <Source>_id und <Source>_name, dann der konsolidierte Name.
func MergeClusters(members []models.ClusterMember, opts MergeOptions) (*Table, MergeStats, error) {
	if len(opts.Priority) == 0 {
		return nil, MergeStats{}, &config.ConfigurationError{Field: "merge.sources", Reason: "priority list required"}
	}
	if opts.ClusterColumn == "" {
		opts.ClusterColumn = "cluster_id"
	}
	if opts.ConsolidatedNameColumn == "" {
		opts.ConsolidatedNameColumn = "consolidated_name"
	}
	if opts.ScoreColumn == "" {
		opts.ScoreColumn = "similarity_score"
	}

	stats := MergeStats{MembersPerSource: map[string]int{}, ClustersPerSource: map[string]int{}}
	clusters := make(map[string]*clusterAcc)
	var order []string
	observed := make(map[string]bool)
	hasScore := false

	for i, m := range members {
		cid := strings.TrimSpace(m.ClusterID)
		src := strings.TrimSpace(m.Source)
		if cid == "" || src == "" {
			return nil, stats, fmt.Errorf("member %d: cluster id and source are required", i)
		}
		acc, ok := clusters[cid]
		if !ok {
			acc = &clusterAcc{ids: map[string][]string{}, names: map[string][]string{}, bestName: map[string]string{}}
			clusters[cid] = acc
			order = append(order, cid)
		}
		observed[src] = true
		stats.Members++
		stats.MembersPerSource[src]++

		if id := strings.TrimSpace(m.LocalID); id != "" {
			acc.ids[src] = append(acc.ids[src], id)
		} else if _, seen := acc.ids[src]; !seen {
			acc.ids[src] = nil
		}
		name := strings.TrimSpace(m.Name)
		if opts.Normalizer != nil {
			name = opts.Normalizer.NormalizeName(name)
		}
		if name != "" {
			acc.names[src] = append(acc.names[src], name)
			if _, ok := acc.bestName[src]; !ok {
				acc.bestName[src] = name
			}
		}
		if v, ok := parseScore(m.Score); ok {
			if acc.score == "" || v > acc.scoreVal {
				acc.score, acc.scoreVal = strings.TrimSpace(m.Score), v
			}
			hasScore = true
		}
	}

	sources := sourceOrder(opts.Priority, observed)
	cols := []string{opts.ClusterColumn}
	for _, s := range sources {
		cols = append(cols, s+"_id", s+"_name")
	}
	cols = append(cols, opts.ConsolidatedNameColumn)
	if hasScore {
		cols = append(cols, opts.ScoreColumn)
	}

	out := NewTable(cols...)
	for _, cid := range order {
		acc := clusters[cid]
		row := make([]string, 0, len(cols))
		row = append(row, cid)
		consolidated := ""
		contributing := 0
		for _, s := range sources {
			if _, ok := acc.ids[s]; ok {
				contributing++
				stats.ClustersPerSource[s]++
			}
			row = append(row, JoinSet(acc.ids[s]), JoinSet(acc.names[s]))
			if consolidated == "" {
				consolidated = acc.bestName[s]
			}
		}
		row = append(row, consolidated)
		if hasScore {
			row = append(row, acc.score)
		}
		out.Append(row...)
		if contributing >= 2 {
			stats.Matched++
		} else {
			stats.Unmatched++
		}
	}
	stats.Clusters = len(order)
	return out, stats, nil
}

// sourceOrder: erst die Prioritätsliste, dann alle weiteren beobachteten Quellen sortiert.
func sourceOrder(priority []string, observed map[string]bool) []string {
	out := make([]string, 0, len(observed)+len(priority))
	listed := make(map[string]bool, len(priority))
	for _, p := range priority {
		if !listed[p] {
			out = append(out, p)
			listed[p] = true
		}
	}
	var rest []string
	for s := range observed {
		if !listed[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// ClusterMembers liest die lange Clustertabelle (cluster_id, source, source_id, name, score).
func ClusterMembers(t *Table, cfg *config.MergeConfig) ([]models.ClusterMember, error) {
	if err := requireColumns(t, map[string]string{
		"merge.cluster_column": cfg.ClusterColumn,
		"merge.source_column":  cfg.SourceColumn,
		"merge.id_column":      cfg.IDColumn,
	}); err != nil {
		return nil, err
	}
	members := make([]models.ClusterMember, 0, t.Len())
	for r := range t.Rows {
		members = append(members, models.ClusterMember{
			ClusterID: t.Value(r, cfg.ClusterColumn),
			Source:    t.Value(r, cfg.SourceColumn),
			LocalID:   t.Value(r, cfg.IDColumn),
			Name:      t.Value(r, cfg.NameColumn),
			Score:     t.Value(r, cfg.ScoreColumn),
		})
	}
	return members, nil
}
