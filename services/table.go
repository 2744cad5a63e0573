package services

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"entity-resolvers/storage"

	"github.com/klauspost/pgzip"
)

// Table ist eine Tabelle, in der jedes Feld ein String ist. Es findet keine Typ-Inferenz statt.
type Table struct {
	Columns []string
	Rows    [][]string
	index   map[string]int
}

// NewTable erstellt eine leere Tabelle mit den gegebenen Spalten.
func NewTable(columns ...string) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if _, dup := t.index[c]; !dup {
			t.index[c] = i
		}
	}
}

// Len liefert die Zeilenanzahl.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex liefert die Position einer Spalte.
func (t *Table) ColumnIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// HasColumn meldet, ob die Spalte existiert.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.ColumnIndex(name)
	return ok
}

// Value liefert das Feld einer Zeile, "" wenn die Spalte fehlt.
func (t *Table) Value(row int, column string) string {
	i, ok := t.ColumnIndex(column)
	if !ok || i >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][i]
}

// Append hängt eine Zeile an. Kürzere Zeilen werden aufgefüllt.
func (t *Table) Append(values ...string) {
	row := make([]string, len(t.Columns))
	copy(row, values)
	t.Rows = append(t.Rows, row)
}

// SetColumn setzt eine Spalte. Existiert sie, wird sie überschrieben, sonst hinten angehängt.
func (t *Table) SetColumn(name string, values []string) {
	i, ok := t.index[name]
	if !ok {
		t.Columns = append(t.Columns, name)
		i = len(t.Columns) - 1
		t.index[name] = i
		for r := range t.Rows {
			t.Rows[r] = append(t.Rows[r], "")
		}
	}
	for r := range t.Rows {
		if r < len(values) {
			t.Rows[r][i] = values[r]
		} else {
			t.Rows[r][i] = ""
		}
	}
}

// DropColumn entfernt eine Spalte, falls vorhanden.
func (t *Table) DropColumn(name string) {
	i, ok := t.index[name]
	if !ok {
		return
	}
	t.Columns = append(t.Columns[:i:i], t.Columns[i+1:]...)
	for r, row := range t.Rows {
		t.Rows[r] = append(row[:i:i], row[i+1:]...)
	}
	t.reindex()
}

// Clone erstellt eine tiefe Kopie.
func (t *Table) Clone() *Table {
	c := NewTable(t.Columns...)
	c.Rows = make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		c.Rows[i] = append([]string(nil), r...)
	}
	return c
}

// ReadTable liest eine CSV/TSV-Datei, optional gzip-komprimiert (Endung .gz).
func ReadTable(path string, delim rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	t, err := DecodeTable(r, delim)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

// DecodeTable liest eine Tabelle mit Kopfzeile aus r.
// Kürzere Zeilen werden aufgefüllt, Zeilen mit mehr Feldern als die Kopfzeile sind ein Fehler.
func DecodeTable(r io.Reader, delim rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty table: no header row")
	}
	if err != nil {
		return nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	t := NewTable(header...)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) > len(header) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %d fields, header has %d", line, len(rec), len(header))
		}
		t.Append(rec...)
	}
	return t, nil
}

// Encode schreibt die Tabelle mit Kopfzeile nach w.
func (t *Table) Encode(w io.Writer, delim rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteFile schreibt die Tabelle atomar. Bei Endung .gz wird komprimiert.
func (t *Table) WriteFile(path string, delim rune) error {
	var buf bytes.Buffer
	if strings.HasSuffix(path, ".gz") {
		gz := pgzip.NewWriter(&buf)
		if err := t.Encode(gz, delim); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
	} else if err := t.Encode(&buf, delim); err != nil {
		return err
	}
	return storage.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
