package models

// ForeignKey ist ein (Quelle, lokale ID)-Paar eines Datensatzes, z.B. ("OMIM", "104300").
type ForeignKey struct {
	Source  string `json:"source"`
	LocalID string `json:"local_id"`
}

// CrossRef ist eine Zeile der langen Cross-Reference-Tabelle.
type CrossRef struct {
	EntityID string `json:"entity_id"`
	Prefix   string `json:"prefix"`
	LocalID  string `json:"local_id"`
}

// ClusterMember ist ein Quelldatensatz mit seiner (extern berechneten) Cluster-Zuordnung.
type ClusterMember struct {
	ClusterID string `json:"cluster_id"`
	Source    string `json:"source"`
	LocalID   string `json:"local_id"`
	Name      string `json:"name"`
	// Score ist optional, z.B. die mittlere Kosinus-Ähnlichkeit des Clusters.
	Score string `json:"score,omitempty"`
}

// NormalizedNode ist die Antwort des Node Normalizers für eine CURIE.
type NormalizedNode struct {
	Input         string   `json:"input"`
	PreferredID   string   `json:"preferred_id"`
	Label         string   `json:"label"`
	EquivalentIDs []string `json:"equivalent_ids"`
	Types         []string `json:"types,omitempty"`
}
