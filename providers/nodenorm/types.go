package nodenorm

// Request ist der POST-Body für get_normalized_nodes.
type Request struct {
	Curies               []string `json:"curies"`
	Conflate             bool     `json:"conflate"`
	Description          bool     `json:"description"`
	DrugChemicalConflate bool     `json:"drug_chemical_conflate"`
}

// Identifier ist ein Bezeichner mit optionalem Label.
type Identifier struct {
	Identifier string `json:"identifier"`
	Label      string `json:"label,omitempty"`
}

// Result ist die Antwort für eine einzelne CURIE. Unbekannte CURIEs liefern null.
type Result struct {
	ID                    Identifier   `json:"id"`
	EquivalentIdentifiers []Identifier `json:"equivalent_identifiers"`
	Type                  []string     `json:"type"`
}

// Response bildet CURIE auf Ergebnis ab.
type Response map[string]*Result
