package services

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDecodeTableRowWidths(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		rows    [][]string
		wantErr string
	}{
		{"exact", "a,b\n1,2\n", [][]string{{"1", "2"}}, ""},
		{"short row padded", "a,b\n1\n", [][]string{{"1", ""}}, ""},
		{"wide row", "a,b\n1,2\n1,2,3\n", nil, "line 3: 3 fields, header has 2"},
		{"bom stripped", "\ufeffa,b\n1,2\n", [][]string{{"1", "2"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab, err := DecodeTable(strings.NewReader(tt.input), ',')
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(tab.Columns, []string{"a", "b"}) || !reflect.DeepEqual(tab.Rows, tt.rows) {
				t.Fatalf("table = %v %v", tab.Columns, tab.Rows)
			}
		})
	}
}

func TestReadTableRejectsWideRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.tsv")
	if err := os.WriteFile(path, []byte("a\tb\n1\t2\t3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadTable(path, '\t')
	if err == nil || !strings.Contains(err.Error(), path) || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("err = %v", err)
	}
}

func TestColumnIndexFirstWins(t *testing.T) {
	tab := NewTable("a", "b", "a")
	if i, ok := tab.ColumnIndex("a"); !ok || i != 0 {
		t.Fatalf("ColumnIndex(a) = %d %v", i, ok)
	}
	if _, ok := tab.ColumnIndex("z"); ok || tab.HasColumn("z") {
		t.Fatal("unknown column reported present")
	}
	tab.Append("1", "2", "3")
	if tab.Value(0, "a") != "1" || tab.Value(0, "z") != "" {
		t.Fatalf("Value = %q / %q", tab.Value(0, "a"), tab.Value(0, "z"))
	}
}
