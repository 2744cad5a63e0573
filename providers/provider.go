package providers

import (
	"context"

	"entity-resolvers/config"
	"entity-resolvers/models"
)

// Source lädt eine Rohdatei herunter und vergleicht sie mit der vorhandenen Version.
type Source interface {
	// Fetch lädt src.URL nach src.RawPath und meldet, ob sich der Inhalt geändert hat.
	Fetch(ctx context.Context, src config.SourceFile) (*models.Download, error)

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "download").
	Name() string
}

// Normalizer löst CURIEs gegen einen externen Normalisierungsdienst auf.
type Normalizer interface {
	// Normalize liefert pro angefragter CURIE den normalisierten Knoten; unbekannte CURIEs fehlen im Ergebnis.
	// batchSize begrenzt die CURIEs pro Anfrage, <= 0 nimmt den Standard des Providers.
	Normalize(ctx context.Context, curies []string, conflate bool, batchSize int) (map[string]models.NormalizedNode, error)

	Name() string
}
