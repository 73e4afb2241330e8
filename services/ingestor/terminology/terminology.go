// Package terminology provides the static lookup tables that normalize
// extracted test names and units: synonym resolution to canonical names,
// LOINC code assignment, and unit canonicalization. All lookups are pure
// and O(1); missing entries return the input unchanged.
package terminology

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Canonical test names referenced across the pipeline.
const (
	Hemoglobin    = "Hemoglobin"
	TotalWBC      = "Total WBC Count"
	TotalRBC      = "Total RBC Count"
	Hematocrit    = "Hematocrit"
	MCV           = "M.C.V."
	MCH           = "M.C.H."
	MCHC          = "M.C.H.C."
	RDW           = "R.D.W."
	PlateletCount = "Platelet Count"
	MPV           = "M.P.V."
	Neutrophils   = "Neutrophils"
	Lymphocytes   = "Lymphocytes"
	Monocytes     = "Monocytes"
	Eosinophils   = "Eosinophils"
	Basophils     = "Basophils"
)

// Map is the immutable terminology table set. Build once at startup with
// New or NewFromFile; safe for concurrent reads.
type Map struct {
	synonyms       map[string]string
	loinc          map[string]string
	units          map[string]string
	expectedUnits  map[string]string
	canonicalUnits map[string]struct{}
	cbcPanel       []string
}

// Overrides is the shape of an optional YAML file that extends the bundled
// tables for site-specific vocabularies.
type Overrides struct {
	Synonyms map[string]string `yaml:"synonyms"`
	LOINC    map[string]string `yaml:"loinc"`
	Units    map[string]string `yaml:"units"`
}

// New builds the bundled terminology tables.
func New() *Map {
	m := &Map{
		synonyms:      make(map[string]string),
		loinc:         make(map[string]string),
		units:         make(map[string]string),
		expectedUnits: make(map[string]string),
	}
	m.seed()
	return m
}

// NewFromFile builds the bundled tables and merges overrides from the
// given YAML file on top.
func NewFromFile(path string) (*Map, error) {
	m := New()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("terminology: reading overrides: %w", err)
	}
	var ov Overrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return nil, fmt.Errorf("terminology: parsing overrides: %w", err)
	}
	for syn, canonical := range ov.Synonyms {
		m.synonyms[nameKey(syn)] = canonical
	}
	for canonical, code := range ov.LOINC {
		m.loinc[nameKey(canonical)] = code
	}
	for variant, canonical := range ov.Units {
		m.units[unitKey(variant)] = canonical
	}
	return m, nil
}

// CanonicalName resolves a raw test name to its canonical form.
// Unknown names are returned verbatim.
func (m *Map) CanonicalName(name string) string {
	if canonical, ok := m.synonyms[nameKey(name)]; ok {
		return canonical
	}
	return name
}

// LOINC returns the LOINC code for a canonical test name, or "" when the
// name has no mapping.
func (m *Map) LOINC(canonical string) string {
	return m.loinc[nameKey(canonical)]
}

// CanonicalUnit resolves a unit variant to its canonical spelling.
// Unknown units are returned verbatim; empty stays empty.
func (m *Map) CanonicalUnit(unit string) string {
	if unit == "" {
		return ""
	}
	if canonical, ok := m.units[unitKey(unit)]; ok {
		return canonical
	}
	return unit
}

// IsCanonicalUnit reports whether u is one of the canonical unit spellings.
func (m *Map) IsCanonicalUnit(u string) bool {
	_, ok := m.canonicalUnits[u]
	return ok
}

// ExpectedUnit returns the unit a canonical test is conventionally
// reported in, or "" when no convention is recorded.
func (m *Map) ExpectedUnit(canonical string) string {
	return m.expectedUnits[nameKey(canonical)]
}

// CBCPanel returns the canonical test names a complete CBC report carries.
func (m *Map) CBCPanel() []string {
	out := make([]string, len(m.cbcPanel))
	copy(out, m.cbcPanel)
	return out
}

// nameKey casefolds and strips punctuation so that "M.C.H.C", "mchc" and
// "M C H C" all collide.
func nameKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unitKey lowercases and drops spaces; punctuation is significant for
// units ("/uL" vs "uL").
func unitKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "")
}

func (m *Map) seed() {
	synonyms := map[string][]string{
		Hemoglobin:    {"hemoglobin", "haemoglobin", "hb", "hgb"},
		TotalWBC:      {"total wbc count", "wbc", "wbc count", "white blood cells", "total leucocyte count", "tlc", "leukocytes"},
		TotalRBC:      {"total rbc count", "rbc", "rbc count", "red blood cells", "total erythrocyte count"},
		Hematocrit:    {"hematocrit", "haematocrit", "hct", "pcv", "packed cell volume"},
		MCV:           {"mcv", "mean corpuscular volume"},
		MCH:           {"mch", "mean corpuscular hemoglobin"},
		MCHC:          {"mchc", "mean corpuscular hemoglobin concentration"},
		RDW:           {"rdw", "rdw cv", "red cell distribution width"},
		PlateletCount: {"platelet count", "platelets", "platelet", "plt", "plt count"},
		MPV:           {"mpv", "mean platelet volume"},
		Neutrophils:   {"neutrophils", "neutrophil", "polymorphs", "segmented neutrophils"},
		Lymphocytes:   {"lymphocytes", "lymphocyte", "lymphs"},
		Monocytes:     {"monocytes", "monocyte"},
		Eosinophils:   {"eosinophils", "eosinophil"},
		Basophils:     {"basophils", "basophil"},

		"Absolute Neutrophil Count":  {"absolute neutrophil count", "anc", "absolute neutrophils"},
		"Absolute Lymphocyte Count":  {"absolute lymphocyte count", "alc", "absolute lymphocytes"},
		"Absolute Monocyte Count":    {"absolute monocyte count", "absolute monocytes"},
		"Absolute Eosinophil Count":  {"absolute eosinophil count", "aec", "absolute eosinophils"},
		"Absolute Basophil Count":    {"absolute basophil count", "absolute basophils"},
		"Immature Platelet Fraction": {"immature platelet fraction", "ipf"},

		"Heart Rate":        {"heart rate", "hr", "pulse", "pulse rate"},
		"Blood Pressure":    {"blood pressure", "bp"},
		"Body Temperature":  {"body temperature", "temperature", "temp"},
		"Oxygen Saturation": {"oxygen saturation", "spo2", "o2 saturation", "sat"},
		"BMI":               {"bmi", "body mass index"},
		"Body Weight":       {"body weight", "weight", "wt"},
		"Body Height":       {"body height", "height", "ht"},
		"Respiratory Rate":  {"respiratory rate", "rr", "resp rate"},
	}
	for canonical, list := range synonyms {
		m.synonyms[nameKey(canonical)] = canonical
		for _, syn := range list {
			m.synonyms[nameKey(syn)] = canonical
		}
	}

	loinc := map[string]string{
		Hemoglobin:    "718-7",
		TotalWBC:      "6690-2",
		TotalRBC:      "789-8",
		Hematocrit:    "4544-3",
		MCV:           "787-2",
		MCH:           "785-6",
		MCHC:          "786-4",
		RDW:           "14563-1",
		PlateletCount: "777-3",
		MPV:           "32623-1",
		Neutrophils:   "770-8",
		Lymphocytes:   "731-0",
		Monocytes:     "742-7",
		Eosinophils:   "711-2",
		Basophils:     "704-7",

		"Absolute Neutrophil Count": "751-8",
		"Absolute Lymphocyte Count": "731-0",
		"Absolute Monocyte Count":   "742-7",
		"Absolute Eosinophil Count": "711-2",
		"Absolute Basophil Count":   "704-7",

		"Heart Rate":        "8867-4",
		"Blood Pressure":    "85354-9",
		"Body Temperature":  "8310-5",
		"Oxygen Saturation": "59408-5",
		"BMI":               "39156-5",
		"Body Weight":       "29463-7",
		"Body Height":       "8302-2",
		"Respiratory Rate":  "9279-1",
	}
	for canonical, code := range loinc {
		m.loinc[nameKey(canonical)] = code
	}

	units := map[string][]string{
		"10*6/uL": {"mill/cumm", "million/cumm", "million/mm3", "mill/mm3", "x10^6/ul", "10^6/ul", "x10*6/ul", "m/ul"},
		"10*3/uL": {"10^3/ul", "x10^3/ul", "x10*3/ul", "k/ul", "thou/ul", "thousand/cumm", "10*3/ul"},
		"/uL":     {"/cumm", "/mm3", "cells/cumm", "cells/mm3", "cells/ul", "/ul", "per cumm"},
		"g/dL":    {"gm/dl", "g/dl", "gm%", "gms/dl"},
		"mg/dL":   {"mg/dl"},
		"fL":      {"fl", "femtoliter", "femtolitre"},
		"pg":      {"pg", "picogram"},
		"%":       {"%", "percent", "pct"},
		"/min":    {"bpm", "beats/min", "breaths/min", "/min"},
		"Cel":     {"c", "celsius", "degc", "deg c"},
		"mmHg":    {"mmhg", "mm hg"},
		"kg":      {"kg", "kgs"},
		"cm":      {"cm", "cms"},
		"kg/m2":   {"kg/m2", "kg/m^2"},
	}
	m.canonicalUnits = make(map[string]struct{}, len(units))
	for canonical, variants := range units {
		m.canonicalUnits[canonical] = struct{}{}
		m.units[unitKey(canonical)] = canonical
		for _, v := range variants {
			m.units[unitKey(v)] = canonical
		}
	}

	expected := map[string]string{
		Hemoglobin:    "g/dL",
		TotalWBC:      "/uL",
		TotalRBC:      "10*6/uL",
		Hematocrit:    "%",
		MCV:           "fL",
		MCH:           "pg",
		MCHC:          "g/dL",
		RDW:           "%",
		PlateletCount: "/uL",
		MPV:           "fL",
		Neutrophils:   "%",
		Lymphocytes:   "%",
		Monocytes:     "%",
		Eosinophils:   "%",
		Basophils:     "%",

		"Absolute Neutrophil Count": "/uL",
		"Absolute Lymphocyte Count": "/uL",
		"Absolute Monocyte Count":   "/uL",
		"Absolute Eosinophil Count": "/uL",
		"Absolute Basophil Count":   "/uL",
	}
	for canonical, unit := range expected {
		m.expectedUnits[nameKey(canonical)] = unit
	}

	m.cbcPanel = []string{
		Hemoglobin, TotalWBC, TotalRBC, Hematocrit,
		MCV, MCH, MCHC, PlateletCount,
		Neutrophils, Lymphocytes,
	}
}
