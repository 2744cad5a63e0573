package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

// CorruptStoreError meldet eine vorhandene, aber nicht lesbare ID-Map.
// Sie darf nicht still durch eine leere Map ersetzt werden, sonst verwaisen alle bisher vergebenen IDs.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("id store %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }

// Entry ist eine Zuordnung Provenance-Key → konsolidierte ID mit Lebenszyklus.
type Entry struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IDStore ist die Map Provenance-Key → konsolidierte ID. Einträge werden nur
// angehängt, nie entfernt; die Einfügereihenfolge bleibt über Läufe erhalten.
// Ein IDStore gehört genau einem Schreiber.
type IDStore struct {
	keys     []string
	entries  map[string]*Entry
	issued   map[string]string // id -> key
	minted   []string
	// stampErr hält den Fehler einer unlesbaren Begleitdatei.
	stampErr error
}

// NewIDStore erstellt eine leere Map.
func NewIDStore() *IDStore {
	return &IDStore{
		entries: make(map[string]*Entry),
		issued:  make(map[string]string),
	}
}

// Len liefert die Anzahl der Zuordnungen.
func (s *IDStore) Len() int { return len(s.keys) }

// Lookup liefert die ID zu einem Provenance-Key.
func (s *IDStore) Lookup(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.ID, true
}

// KeyFor ist die Rückwärtssuche ID → Provenance-Key.
func (s *IDStore) KeyFor(id string) (string, bool) {
	k, ok := s.issued[id]
	return k, ok
}

// Issued meldet, ob eine ID bereits vergeben ist.
func (s *IDStore) Issued(id string) bool {
	_, ok := s.issued[id]
	return ok
}

// Entry liefert eine Kopie des Eintrags zu key.
func (s *IDStore) Entry(key string) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Assign legt eine neue Zuordnung an (UNSEEN → ASSIGNED).
func (s *IDStore) Assign(key, id string, now time.Time) error {
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("provenance key %q already assigned", key)
	}
	if other, ok := s.issued[id]; ok {
		return fmt.Errorf("id %s already issued to %q", id, other)
	}
	s.put(&Entry{Key: key, ID: id, CreatedAt: now, UpdatedAt: now})
	s.minted = append(s.minted, key)
	return nil
}

// Touch aktualisiert updatedAt einer bestehenden Zuordnung (ASSIGNED → ASSIGNED).
func (s *IDStore) Touch(key string, now time.Time) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.UpdatedAt = now
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return true
}

// Entries liefert alle Zuordnungen in Einfügereihenfolge.
func (s *IDStore) Entries() []Entry {
	out := make([]Entry, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *s.entries[k])
	}
	return out
}

// Minted liefert die in dieser Sitzung neu vergebenen Zuordnungen in Vergabereihenfolge.
func (s *IDStore) Minted() []Entry {
	out := make([]Entry, 0, len(s.minted))
	for _, k := range s.minted {
		out = append(out, *s.entries[k])
	}
	return out
}

func (s *IDStore) put(e *Entry) {
	s.keys = append(s.keys, e.Key)
	s.entries[e.Key] = e
	s.issued[e.ID] = e.Key
}

// LifecyclePath ist die Begleitdatei mit createdAt/updatedAt pro Key.
func LifecyclePath(path string) string {
	return strings.TrimSuffix(path, ".json") + ".lifecycle.json"
}

// DiffPath ist die Datei mit den in diesem Lauf neu vergebenen IDs.
func DiffPath(path string) string {
	return strings.TrimSuffix(path, ".json") + ".diff.json"
}

// Load liest die ID-Map. Fehlt die Datei, gibt es eine leere Map.
// Eine vorhandene, aber unlesbare Datei liefert *CorruptStoreError.
// Ist nur die Begleitdatei unlesbar, wird die Map ohne Zeitstempel geladen
// und der Fehler über StampError gemeldet.
func Load(path string) (*IDStore, error) {
	s := NewIDStore()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read id store %s: %w", path, err)
	}
	pairs, err := decodeOrderedMap(data)
	if err != nil {
		return nil, &CorruptStoreError{Path: path, Err: err}
	}
	for _, p := range pairs {
		if _, dup := s.entries[p[0]]; dup {
			return nil, &CorruptStoreError{Path: path, Err: fmt.Errorf("duplicate provenance key %q", p[0])}
		}
		if other, dup := s.issued[p[1]]; dup {
			return nil, &CorruptStoreError{Path: path, Err: fmt.Errorf("id %s issued to both %q and %q", p[1], other, p[0])}
		}
		if p[1] == "" {
			return nil, &CorruptStoreError{Path: path, Err: fmt.Errorf("empty id for key %q", p[0])}
		}
		s.put(&Entry{Key: p[0], ID: p[1]})
	}
	if err := s.loadLifecycle(LifecyclePath(path)); err != nil {
		var corrupt *CorruptStoreError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		s.stampErr = corrupt
	}
	return s, nil
}

// StampError liefert *CorruptStoreError der Begleitdatei, falls deren Zeitstempel verworfen wurden.
func (s *IDStore) StampError() error { return s.stampErr }

func (s *IDStore) loadLifecycle(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lifecycle %s: %w", path, err)
	}
	var stamps []Entry
	if err := json.Unmarshal(data, &stamps); err != nil {
		return &CorruptStoreError{Path: path, Err: err}
	}
	for _, st := range stamps {
		e, ok := s.entries[st.Key]
		if !ok || e.ID != st.ID {
			// Begleitdatei gehört zu einem anderen Stand der Map
			continue
		}
		e.CreatedAt = st.CreatedAt
		e.UpdatedAt = st.UpdatedAt
	}
	return nil
}

// Persist schreibt Lebenszyklus und Map atomar (temp + rename), die Begleitdatei zuerst.
// Stirbt der Prozess dazwischen, enthält die Begleitdatei Keys, die die alte Map
// nicht kennt; Load überspringt sie. Bei einem Fehler bleibt die Map im Speicher
// gültig, der Aufrufer kann erneut schreiben.
func (s *IDStore) Persist(path string) error {
	pairs := make([][2]string, 0, len(s.keys))
	for _, k := range s.keys {
		pairs = append(pairs, [2]string{k, s.entries[k].ID})
	}
	data, err := encodeOrderedMap(pairs)
	if err != nil {
		return err
	}
	lc, err := json.MarshalIndent(s.Entries(), "", "  ")
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(LifecyclePath(path), lc, 0o644); err != nil {
		return fmt.Errorf("persist lifecycle: %w", err)
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("persist id store: %w", err)
	}
	s.stampErr = nil
	return nil
}

// WriteDiff schreibt die in dieser Sitzung vergebenen IDs neben die Map.
// Ohne neue IDs wird nichts geschrieben und "" zurückgegeben.
func (s *IDStore) WriteDiff(path string) (string, error) {
	if len(s.minted) == 0 {
		return "", nil
	}
	pairs := make([][2]string, 0, len(s.minted))
	for _, k := range s.minted {
		pairs = append(pairs, [2]string{k, s.entries[k].ID})
	}
	data, err := encodeOrderedMap(pairs)
	if err != nil {
		return "", err
	}
	diff := DiffPath(path)
	if err := WriteFileAtomic(diff, data, 0o644); err != nil {
		return "", fmt.Errorf("write id diff: %w", err)
	}
	return diff, nil
}

// Quarantine verschiebt eine beschädigte Map beiseite, damit neu begonnen werden kann.
// Mit dem Pfad einer Begleitdatei wird nur diese verschoben.
func Quarantine(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%s", path, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	lc := LifecyclePath(path)
	if _, err := os.Stat(lc); err == nil {
		_ = os.Rename(lc, dst+".lifecycle")
	}
	return dst, nil
}

// encodeOrderedMap schreibt ein JSON-Objekt in der gegebenen Reihenfolge.
// encoding/json sortiert Map-Schlüssel, deshalb von Hand.
func encodeOrderedMap(pairs [][2]string) ([]byte, error) {
	var buf bytes.Buffer
	if len(pairs) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes(), nil
	}
	buf.WriteString("{\n")
	for i, p := range pairs {
		k, err := json.Marshal(p[0])
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p[1])
		if err != nil {
			return nil, err
		}
		buf.WriteString("  ")
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(v)
		if i < len(pairs)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func decodeOrderedMap(data []byte) ([][2]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}
	var pairs [][2]string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		val, ok := vt.(string)
		if !ok {
			return nil, fmt.Errorf("value for %q is not a string", key)
		}
		pairs = append(pairs, [2]string{key, val})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return pairs, nil
}
