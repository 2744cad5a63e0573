package services

import (
	"fmt"
	"sort"
	"strings"

	"entity-resolvers/config"
	"entity-resolvers/models"
)

// ValueSeparator trennt mehrere Werte in einem Feld.
const ValueSeparator = "|"

// PivotOptions steuern das Aufspalten einer Cross-Reference-Spalte.
type PivotOptions struct {
	KeyColumn  string
	XrefColumn string
	// Namespace wird dem kleingeschriebenen Präfix vorangestellt, z.B. "mondo_".
	Namespace  string
	DropSource bool
}

// SplitCURIE trennt "PREFIX:LOCAL" am ersten Doppelpunkt. Das Präfix wird großgeschrieben.
func SplitCURIE(token string) (prefix, local string, ok bool) {
	token = strings.TrimSpace(token)
	p, l, found := strings.Cut(token, ":")
	if !found {
		return "", "", false
	}
	p = strings.ToUpper(strings.TrimSpace(p))
	l = strings.TrimSpace(l)
	if p == "" || l == "" {
		return "", "", false
	}
	return p, l, true
}

// SplitValues zerlegt ein Feld am Trenner und verwirft leere Teile.
func SplitValues(field string) []string {
	var out []string
	for _, v := range strings.Split(field, ValueSeparator) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// JoinSet sortiert, entfernt Duplikate und verbindet mit "|".
func JoinSet(values []string) string {
	if len(values) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(values))
	uniq := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		uniq = append(uniq, v)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ValueSeparator)
}

func requireColumns(t *Table, fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, field := range keys {
		col := fields[field]
		if !t.HasColumn(col) {
			return &config.ConfigurationError{Field: field, Reason: "column " + col + " not found in input (have " + strings.Join(t.Columns, ", ") + ")"}
		}
	}
	return nil
}

// ExplodeCrossRefs erzeugt die lange Form (entity_id, prefix, local_id).
// Tokens ohne Doppelpunkt und mit leerem Präfix oder leerer lokaler ID werden verworfen.
func ExplodeCrossRefs(t *Table, keyCol, xrefCol string) ([]models.CrossRef, error) {
	if err := requireColumns(t, map[string]string{"key_column": keyCol, "xref_column": xrefCol}); err != nil {
		return nil, err
	}
	var out []models.CrossRef
	for r := range t.Rows {
		key := t.Value(r, keyCol)
		for _, tok := range SplitValues(t.Value(r, xrefCol)) {
			prefix, local, ok := SplitCURIE(tok)
			if !ok {
				continue
			}
			out = append(out, models.CrossRef{EntityID: key, Prefix: prefix, LocalID: local})
		}
	}
	return out, nil
}

// Pivot hängt pro beobachtetem Präfix eine Spalte Namespace+lower(prefix) an.
// Gleichnamige Spalten werden überschrieben, zweimaliges Anwenden ändert nichts.
// Zurückgegeben werden die Tabelle und die Namen der Präfixspalten in sortierter Reihenfolge.
func Pivot(t *Table, opts PivotOptions) (*Table, []string, error) {
	refs, err := ExplodeCrossRefs(t, opts.KeyColumn, opts.XrefColumn)
	if err != nil {
		return nil, nil, err
	}

	grouped := make(map[string]map[string][]string)
	prefixes := make(map[string]struct{})
	for _, x := range refs {
		col := opts.Namespace + strings.ToLower(x.Prefix)
		prefixes[col] = struct{}{}
		byCol, ok := grouped[x.EntityID]
		if !ok {
			byCol = make(map[string][]string)
			grouped[x.EntityID] = byCol
		}
		byCol[col] = append(byCol[col], x.LocalID)
	}

	cols := make([]string, 0, len(prefixes))
	for c := range prefixes {
		if c == opts.KeyColumn || c == opts.XrefColumn {
			return nil, nil, &config.ConfigurationError{Field: "pivot.namespace",
				Reason: fmt.Sprintf("prefix column %q collides with an input column, set a namespace", c)}
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	values := make([][]string, len(cols))
	for i, col := range cols {
		values[i] = make([]string, t.Len())
		for r := range t.Rows {
			values[i][r] = JoinSet(grouped[t.Value(r, opts.KeyColumn)][col])
		}
	}
	out := t.Clone()
	for i, col := range cols {
		out.SetColumn(col, values[i])
	}
	if opts.DropSource {
		out.DropColumn(opts.XrefColumn)
	}
	return out, cols, nil
}

// CrossRefTable bringt die lange Form in Tabellenform.
func CrossRefTable(refs []models.CrossRef) *Table {
	t := NewTable("entity_id", "prefix", "local_id")
	for _, x := range refs {
		t.Append(x.EntityID, x.Prefix, x.LocalID)
	}
	return t
}
