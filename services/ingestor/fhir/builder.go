package fhir

import (
	"strconv"
	"strings"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/terminology"
)

// Builder assembles Bundles from sanitized extractions. Stateless and
// safe for concurrent use.
type Builder struct {
	terms *terminology.Map
}

func NewBuilder(terms *terminology.Map) *Builder {
	return &Builder{terms: terms}
}

// Build constructs a collection Bundle. The client-supplied patientID
// always wins over any extracted identifier; the submission id is appended
// as a urn:uuid identifier so the bundle can be traced back to its source
// files.
func (b *Builder) Build(ex *datatypes.Extraction, patientID, submissionID string) *Bundle {
	bundle := &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
	}
	bundle.Entry = append(bundle.Entry, Entry{Resource: b.buildPatient(ex, patientID, submissionID)})

	category := categoryFor(ex.Modality)
	for _, row := range ex.Rows {
		bundle.Entry = append(bundle.Entry, Entry{Resource: b.buildObservation(row, category, ex.ReportDate)})
	}
	for _, med := range ex.Medications {
		bundle.Entry = append(bundle.Entry, Entry{Resource: buildMedicationRequest(med, ex.ReportDate)})
	}
	return bundle
}

// Fallback emits the safety-mode bundle used when extraction is degraded:
// the Patient resource plus a single annotation Observation. ex may be nil
// when nothing parseable was ever produced.
func (b *Builder) Fallback(ex *datatypes.Extraction, patientID, submissionID string) *Bundle {
	if ex == nil {
		ex = &datatypes.Extraction{}
	}
	bundle := &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
	}
	bundle.Entry = append(bundle.Entry, Entry{Resource: b.buildPatient(ex, patientID, submissionID)})
	bundle.Entry = append(bundle.Entry, Entry{Resource: &Observation{
		ResourceType: "Observation",
		Status:       "final",
		Code:         CodeableConcept{Text: "Extraction Status"},
		ValueString:  "Automated extraction degraded; manual review required.",
		Note:         []Annotation{{Text: "The raw model output is preserved on the submission record."}},
	}})
	return bundle
}

func (b *Builder) buildPatient(ex *datatypes.Extraction, patientID, submissionID string) *Patient {
	p := &Patient{
		ResourceType: "Patient",
		ID:           patientID,
		Identifier: []Identifier{
			{Value: patientID},
		},
	}
	if submissionID != "" {
		p.Identifier = append(p.Identifier, Identifier{
			System: "urn:ietf:rfc:3986",
			Value:  "urn:uuid:" + submissionID,
		})
	}
	if ex.Patient.Identifier != "" {
		p.Identifier = append(p.Identifier, Identifier{
			System: "http://fhirbridge.dev/sample-id",
			Value:  ex.Patient.Identifier,
		})
	}
	if name := ex.Patient.Name(); name != "" {
		hn := HumanName{Family: ex.Patient.Family, Text: name}
		if ex.Patient.Given != "" {
			hn.Given = []string{ex.Patient.Given}
		}
		p.Name = []HumanName{hn}
	}
	return p
}

func (b *Builder) buildObservation(row datatypes.ExtractedRow, category string, reportDate string) *Observation {
	obs := &Observation{
		ResourceType: "Observation",
		Status:       "final",
		Category: []CodeableConcept{{
			Coding: []Coding{{System: SystemObsCategory, Code: category}},
		}},
		Code:              CodeableConcept{Text: row.TestName},
		EffectiveDateTime: reportDate,
	}
	if code := b.terms.LOINC(row.TestName); code != "" {
		obs.Code.Coding = []Coding{{System: SystemLOINC, Code: code, Display: row.TestName}}
	}

	// Value type selection: numeric with a unit rides as a Quantity,
	// everything else as a string.
	if row.Numeric() && row.Unit != "" {
		obs.ValueQuantity = &Quantity{
			Value:  row.Value,
			Unit:   row.Unit,
			System: SystemUCUM,
			Code:   row.Unit,
		}
	} else if row.Numeric() {
		obs.ValueString = strconv.FormatFloat(*row.Value, 'f', -1, 64)
	} else {
		obs.ValueString = row.ValueText
	}

	if row.HasRange() {
		obs.ReferenceRange = []ReferenceRange{{
			Low:  &Quantity{Value: row.RefLow, Unit: row.Unit},
			High: &Quantity{Value: row.RefHigh, Unit: row.Unit},
		}}
	} else if row.RefText != "" {
		obs.ReferenceRange = []ReferenceRange{{Text: row.RefText}}
	}

	if row.Flag != "" {
		obs.Interpretation = []CodeableConcept{{
			Coding: []Coding{{System: SystemInterpretation, Code: row.Flag}},
		}}
	}
	return obs
}

func buildMedicationRequest(med datatypes.MedicationRow, reportDate string) *MedicationRequest {
	req := &MedicationRequest{
		ResourceType:              "MedicationRequest",
		Status:                    "active",
		Intent:                    "order",
		MedicationCodeableConcept: &CodeableConcept{Text: med.Medication},
		AuthoredOn:                reportDate,
	}
	// Colloquial frequencies ("bid", "tds") are preserved verbatim.
	var parts []string
	for _, p := range []string{med.Dosage, med.Frequency, med.Duration} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	if len(parts) > 0 {
		req.DosageInstruction = []Dosage{{Text: strings.Join(parts, ", ")}}
	}
	return req
}

func categoryFor(modality datatypes.Modality) string {
	switch modality {
	case datatypes.ModalityRadiology:
		return "imaging"
	case datatypes.ModalityVitals:
		return "vital-signs"
	default:
		return "laboratory"
	}
}
