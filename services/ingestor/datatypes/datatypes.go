// Package datatypes holds the shared data shapes of the ingestion service:
// persisted rows, in-flight pipeline entities, and API payloads.
package datatypes

import "time"

// Modality is the class of clinical document under extraction.
type Modality string

const (
	ModalityLab          Modality = "LAB"
	ModalityRadiology    Modality = "RADIOLOGY"
	ModalityPrescription Modality = "PRESCRIPTION"
	ModalityVitals       Modality = "VITALS"
	ModalityUnknown      Modality = "UNKNOWN"
)

// ParseModality maps a classifier reply onto a known modality,
// defaulting to UNKNOWN for anything unrecognized.
func ParseModality(s string) Modality {
	switch Modality(s) {
	case ModalityLab, ModalityRadiology, ModalityPrescription, ModalityVitals:
		return Modality(s)
	default:
		return ModalityUnknown
	}
}

// Submission status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// Submission is one ingested document set and its derived FHIR bundle.
// The identity is immutable; bundle, notes and summary are mutable.
type Submission struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patient_id"`
	Filename      string    `json:"filename"`
	ImageURL      string    `json:"image_url"`
	Status        string    `json:"status"`
	FHIRBundle    string    `json:"fhir_bundle"`
	RawExtraction string    `json:"raw_extraction"`
	DoctorNotes   string    `json:"doctor_notes"`
	AISummary     string    `json:"ai_summary"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIKey is a stored credential for the HTTP surface.
type APIKey struct {
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// PatientSummary is one row of the grouped patients listing.
type PatientSummary struct {
	PatientID   string    `json:"patient_id"`
	FileCount   int       `json:"file_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// PatientInfo is the identity extracted from the document, post-cleanup.
type PatientInfo struct {
	Given      string `json:"given"`
	Family     string `json:"family"`
	Identifier string `json:"identifier"`
}

// Name returns the display form of the extracted identity.
func (p PatientInfo) Name() string {
	switch {
	case p.Given == "":
		return p.Family
	case p.Family == "":
		return p.Given
	default:
		return p.Given + " " + p.Family
	}
}

// ExtractedRow is one observation row pulled out of the document.
// Exactly one of Value or ValueText carries the measurement.
type ExtractedRow struct {
	TestName   string   `json:"test_name"`
	Value      *float64 `json:"value,omitempty"`
	ValueText  string   `json:"value_text,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	RefLow     *float64 `json:"ref_low,omitempty"`
	RefHigh    *float64 `json:"ref_high,omitempty"`
	RefText    string   `json:"ref_text,omitempty"`
	Flag       string   `json:"flag,omitempty"`
	SourceSpan int      `json:"source_span,omitempty"`
}

// Numeric reports whether the row carries a numeric measurement.
func (r ExtractedRow) Numeric() bool { return r.Value != nil }

// HasRange reports whether the row carries a numeric reference range.
func (r ExtractedRow) HasRange() bool { return r.RefLow != nil && r.RefHigh != nil }

// MedicationRow is one prescription line.
type MedicationRow struct {
	Medication string `json:"medication"`
	Dosage     string `json:"dosage"`
	Frequency  string `json:"frequency"`
	Duration   string `json:"duration"`
}

// Extraction is the parsed and (post-firewall) sanitized content of one
// document set. Rows hold observations; Medications holds prescription
// lines; at most one of the two is normally populated.
type Extraction struct {
	Patient     PatientInfo     `json:"patient"`
	Rows        []ExtractedRow  `json:"rows"`
	Medications []MedicationRow `json:"medications"`
	ReportDate  string          `json:"report_date,omitempty"`
	Modality    Modality        `json:"modality"`
}
