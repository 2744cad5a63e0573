package services

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"entity-resolvers/storage"

	"go.uber.org/zap"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Größtes Vielfaches von 36 unter 256; Bytes darüber werden verworfen, damit jedes Zeichen gleich wahrscheinlich ist.
const acceptBelow = 256 - 256%len(codeAlphabet)

const maxMintAttempts = 1000

// CodeGenerator erzeugt zufällige Codes über [A-Z0-9] aus einer kryptographischen Quelle.
type CodeGenerator struct {
	Rand   io.Reader
	Length int
}

// Code liefert einen neuen Code. Versiegt die Zufallsquelle, bricht der Prozess ab.
func (g CodeGenerator) Code() string {
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	out := make([]byte, 0, g.Length)
	buf := make([]byte, g.Length+g.Length/2+1)
	for len(out) < g.Length {
		if _, err := io.ReadFull(src, buf); err != nil {
			panic(fmt.Sprintf("entropy source failed: %v", err))
		}
		for _, b := range buf {
			if int(b) >= acceptBelow {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == g.Length {
				break
			}
		}
	}
	return string(out)
}

// Minter vergibt konsolidierte IDs der Form <Prefix>:<Code>.
type Minter struct {
	Prefix string
	Gen    CodeGenerator
	Now    func() time.Time
	Logger *zap.Logger
}

// NewMinter erstellt einen Minter mit crypto/rand und der Systemuhr.
func NewMinter(prefix string, codeLength int, logger *zap.Logger) *Minter {
	return &Minter{
		Prefix: prefix,
		Gen:    CodeGenerator{Rand: rand.Reader, Length: codeLength},
		Now:    time.Now,
		Logger: logger,
	}
}

// Mint erzeugt eine im Store noch nicht vergebene ID.
func (m *Minter) Mint(store *storage.IDStore) string {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		id := m.Prefix + ":" + m.Gen.Code()
		if !store.Issued(id) {
			return id
		}
		if m.Logger != nil {
			m.Logger.Warn("minted id collided, retrying", zap.String("id", id), zap.Int("attempt", attempt+1))
		}
	}
	panic(fmt.Sprintf("no free id for prefix %s after %d attempts", m.Prefix, maxMintAttempts))
}

// Resolve liefert die ID zum Provenance-Key und vergibt bei Bedarf eine neue.
func (m *Minter) Resolve(store *storage.IDStore, key string) (string, bool) {
	now := m.Now().UTC()
	if id, ok := store.Lookup(key); ok {
		store.Touch(key, now)
		return id, false
	}
	id := m.Mint(store)
	if err := store.Assign(key, id, now); err != nil {
		// Mint hat die ID gegen den Store geprüft, der Key war unbekannt
		panic(err)
	}
	return id, true
}

// ResolveBatch entspricht Resolve für jeden Key in Eingabereihenfolge.
// Doppelte Keys innerhalb des Batches bekommen dieselbe, einmal vergebene ID.
func (m *Minter) ResolveBatch(store *storage.IDStore, keys []string) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i], _ = m.Resolve(store, k)
	}
	return ids
}
