package services

import (
	"errors"
	"reflect"
	"testing"

	"entity-resolvers/config"
)

func tableOf(cols []string, rows ...[]string) *Table {
	t := NewTable(cols...)
	for _, r := range rows {
		t.Append(r...)
	}
	return t
}

func TestPivotScenario(t *testing.T) {
	in := tableOf([]string{"id", "xrefs"},
		[]string{"E1", "DOID:1|OMIM:2"},
		[]string{"E2", "DOID:1"},
	)
	out, cols, err := Pivot(in, PivotOptions{KeyColumn: "id", XrefColumn: "xrefs"})
	if err != nil {
		t.Fatalf("pivot: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"doid", "omim"}) {
		t.Fatalf("cols = %v", cols)
	}
	if !reflect.DeepEqual(out.Columns, []string{"id", "xrefs", "doid", "omim"}) {
		t.Fatalf("columns = %v", out.Columns)
	}
	if out.Value(0, "doid") != "1" || out.Value(0, "omim") != "2" {
		t.Fatalf("E1 = %v", out.Rows[0])
	}
	if out.Value(1, "doid") != "1" || out.Value(1, "omim") != "" {
		t.Fatalf("E2 = %v", out.Rows[1])
	}
	if in.HasColumn("doid") {
		t.Fatalf("input table was modified")
	}
}

func TestPivotSplitsOnFirstColonOnly(t *testing.T) {
	in := tableOf([]string{"id", "xrefs"}, []string{"E1", "ICD10:A00:1"})
	out, _, err := Pivot(in, PivotOptions{KeyColumn: "id", XrefColumn: "xrefs"})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Value(0, "icd10"); got != "A00:1" {
		t.Fatalf("icd10 = %q", got)
	}
}

func TestPivotIsIdempotent(t *testing.T) {
	in := tableOf([]string{"id", "xrefs"},
		[]string{"E1", "UMLS:C1|doid:7|DOID:3|junk|:9|OMIM:"},
		[]string{"E1", "DOID:3"},
		[]string{"E3", ""},
	)
	opts := PivotOptions{KeyColumn: "id", XrefColumn: "xrefs", Namespace: "mondo_"}
	once, _, err := Pivot(in, opts)
	if err != nil {
		t.Fatal(err)
	}
	twice, _, err := Pivot(once, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(once.Columns, twice.Columns) || !reflect.DeepEqual(once.Rows, twice.Rows) {
		t.Fatalf("pivot not idempotent:\n%v\n%v", once.Rows, twice.Rows)
	}
	if !reflect.DeepEqual(once.Columns, []string{"id", "xrefs", "mondo_doid", "mondo_umls"}) {
		t.Fatalf("columns = %v", once.Columns)
	}
	// Beide E1-Zeilen teilen die aggregierten Werte
	for r := 0; r < 2; r++ {
		if once.Value(r, "mondo_doid") != "3|7" {
			t.Fatalf("row %d mondo_doid = %q", r, once.Value(r, "mondo_doid"))
		}
	}
	if once.Value(2, "mondo_doid") != "" {
		t.Fatalf("E3 should be empty")
	}
}

func TestPivotDropSource(t *testing.T) {
	in := tableOf([]string{"id", "xrefs"}, []string{"E1", "DOID:1"})
	out, _, err := Pivot(in, PivotOptions{KeyColumn: "id", XrefColumn: "xrefs", DropSource: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.HasColumn("xrefs") || out.Value(0, "doid") != "1" {
		t.Fatalf("unexpected table %v %v", out.Columns, out.Rows)
	}
}

func TestPivotMissingColumn(t *testing.T) {
	in := tableOf([]string{"id"}, []string{"E1"})
	_, _, err := Pivot(in, PivotOptions{KeyColumn: "id", XrefColumn: "xrefs"})
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "xref_column" {
		t.Fatalf("expected ConfigurationError on xref_column, got %v", err)
	}
}

func TestPivotRejectsCollidingPrefixColumn(t *testing.T) {
	tests := []struct {
		name string
		in   *Table
		opts PivotOptions
	}{
		{"key column", tableOf([]string{"doid", "xrefs"}, []string{"1", "DOID:1|OMIM:2"}),
			PivotOptions{KeyColumn: "doid", XrefColumn: "xrefs"}},
		{"xref column", tableOf([]string{"id", "mondo_xrefs"}, []string{"E1", "XREFS:1|OMIM:2"}),
			PivotOptions{KeyColumn: "id", XrefColumn: "mondo_xrefs", Namespace: "mondo_"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Pivot(tt.in, tt.opts)
			var ce *config.ConfigurationError
			if !errors.As(err, &ce) || ce.Field != "pivot.namespace" {
				t.Fatalf("expected ConfigurationError on pivot.namespace, got %v", err)
			}
		})
	}
}

func TestPivotKeepsKeysWhenNamespaceEmpty(t *testing.T) {
	in := tableOf([]string{"id", "xrefs"},
		[]string{"E1", "DOID:1|OMIM:2"},
		[]string{"E2", "OMIM:3"})
	out, cols, err := Pivot(in, PivotOptions{KeyColumn: "id", XrefColumn: "xrefs"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cols, []string{"doid", "omim"}) {
		t.Fatalf("cols = %v", cols)
	}
	want := [][]string{{"E1", "DOID:1|OMIM:2", "1", "2"}, {"E2", "OMIM:3", "", "3"}}
	if !reflect.DeepEqual(out.Rows, want) {
		t.Fatalf("rows = %v", out.Rows)
	}
}

func TestExplodeCrossRefs(t *testing.T) {
	in := tableOf([]string{"id", "xrefs"}, []string{"E1", " omim:2 | nocolon |DOID:1"})
	refs, err := ExplodeCrossRefs(in, "id", "xrefs")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].Prefix != "OMIM" || refs[0].LocalID != "2" || refs[1].Prefix != "DOID" {
		t.Fatalf("refs = %+v", refs)
	}
}
