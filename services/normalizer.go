package services

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ligatureReplacer = strings.NewReplacer(
		"ﬁ", "fi",
		"ﬂ", "fl",
		"ﬀ", "ff",
		"ﬃ", "ffi",
		"ﬄ", "ffl",
		"ﬆ", "st",
	)
	// Typografische Striche und Anführungszeichen aus Quelldateien
	punctuationReplacer = strings.NewReplacer(
		"‐", "-",
		"‑", "-",
		"‒", "-",
		"–", "-",
		"—", "-",
		"‘", "'",
		"’", "'",
		"“", `"`,
		"”", `"`,
	)
	spaceRE = regexp.MustCompile("[\\s\u00A0]+")
)

// NameNormalizer bereinigt Namen aus verschiedenen Quellen, bevor sie zusammengeführt werden.
type NameNormalizer struct {
	logger *zap.Logger
}

func NewNameNormalizer(logger *zap.Logger) *NameNormalizer {
	return &NameNormalizer{logger: logger}
}

// NormalizeName: Ligaturen auflösen, NFC, Striche/Quotes vereinheitlichen, Whitespace zusammenfassen.
// Groß-/Kleinschreibung bleibt erhalten.
func (n *NameNormalizer) NormalizeName(s string) string {
	if s == "" {
		return s
	}
	out := punctuationReplacer.Replace(ligatureReplacer.Replace(nfc(s)))
	out = strings.TrimSpace(spaceRE.ReplaceAllString(out, " "))
	if out != s && n.logger != nil {
		n.logger.Debug("normalized name", zap.String("from", s), zap.String("to", out))
	}
	return out
}

// NormalizeKey bringt einen Fremdschlüssel in kanonische Form: trim, NFC, Großbuchstaben.
func NormalizeKey(s string) string {
	return strings.ToUpper(nfc(strings.TrimSpace(s)))
}

func nfc(s string) string {
	normalized, _, err := transform.String(norm.NFC, s)
	if err != nil {
		return s
	}
	return normalized
}
