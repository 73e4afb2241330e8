package fhir

import (
	"encoding/json"
	"testing"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/terminology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }

func newBuilder() *Builder { return NewBuilder(terminology.New()) }

func TestBuild_LabBundle(t *testing.T) {
	b := newBuilder()
	ex := &datatypes.Extraction{
		Modality: datatypes.ModalityLab,
		Patient:  datatypes.PatientInfo{Given: "Ramesh", Family: "Kumar", Identifier: "LAB-42"},
		Rows: []datatypes.ExtractedRow{
			{TestName: terminology.Hemoglobin, Value: fptr(15.5), Unit: "g/dL", RefLow: fptr(13), RefHigh: fptr(17), Flag: "N"},
			{TestName: "Impression", ValueText: "unremarkable smear"},
		},
	}

	bundle := b.Build(ex, "patient-7", "sub-123")

	require.Len(t, bundle.Entry, 3)
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, "collection", bundle.Type)

	patient := bundle.Entry[0].Resource.(*Patient)
	assert.Equal(t, "patient-7", patient.ID)
	assert.Equal(t, "patient-7", patient.Identifier[0].Value)
	assert.Equal(t, "urn:uuid:sub-123", patient.Identifier[1].Value)
	assert.Equal(t, "LAB-42", patient.Identifier[2].Value)
	require.Len(t, patient.Name, 1)
	assert.Equal(t, "Kumar", patient.Name[0].Family)
	assert.Equal(t, []string{"Ramesh"}, patient.Name[0].Given)

	hb := bundle.Entry[1].Resource.(*Observation)
	assert.Equal(t, "final", hb.Status)
	assert.Equal(t, "laboratory", hb.Category[0].Coding[0].Code)
	require.Len(t, hb.Code.Coding, 1)
	assert.Equal(t, SystemLOINC, hb.Code.Coding[0].System)
	assert.Equal(t, "718-7", hb.Code.Coding[0].Code)
	require.NotNil(t, hb.ValueQuantity)
	assert.InDelta(t, 15.5, *hb.ValueQuantity.Value, 1e-9)
	assert.Equal(t, SystemUCUM, hb.ValueQuantity.System)
	assert.Equal(t, "N", hb.Interpretation[0].Coding[0].Code)
	require.Len(t, hb.ReferenceRange, 1)
	assert.InDelta(t, 13, *hb.ReferenceRange[0].Low.Value, 1e-9)

	impression := bundle.Entry[2].Resource.(*Observation)
	assert.Nil(t, impression.ValueQuantity)
	assert.Equal(t, "unremarkable smear", impression.ValueString)
	assert.Empty(t, impression.Code.Coding) // no LOINC for free-text findings
	assert.Equal(t, "Impression", impression.Code.Text)
}

func TestBuild_UnitlessNumericBecomesValueString(t *testing.T) {
	b := newBuilder()
	ex := &datatypes.Extraction{
		Modality: datatypes.ModalityLab,
		Rows:     []datatypes.ExtractedRow{{TestName: "ESR Ratio", Value: fptr(1.5)}},
	}

	bundle := b.Build(ex, "p", "s")
	obs := bundle.Entry[1].Resource.(*Observation)
	assert.Nil(t, obs.ValueQuantity)
	assert.Equal(t, "1.5", obs.ValueString)
}

func TestBuild_PrescriptionPreservesColloquialFrequency(t *testing.T) {
	b := newBuilder()
	ex := &datatypes.Extraction{
		Modality: datatypes.ModalityPrescription,
		Medications: []datatypes.MedicationRow{
			{Medication: "Amoxicillin 500mg", Dosage: "1 tab", Frequency: "bid", Duration: "7 days"},
		},
	}

	bundle := b.Build(ex, "p", "s")
	require.Len(t, bundle.Entry, 2)
	req := bundle.Entry[1].Resource.(*MedicationRequest)
	assert.Equal(t, "active", req.Status)
	assert.Equal(t, "Amoxicillin 500mg", req.MedicationCodeableConcept.Text)
	require.Len(t, req.DosageInstruction, 1)
	assert.Contains(t, req.DosageInstruction[0].Text, "bid")
	assert.Equal(t, "1 tab, bid, 7 days", req.DosageInstruction[0].Text)
}

func TestBuild_VitalsCategory(t *testing.T) {
	b := newBuilder()
	ex := &datatypes.Extraction{
		Modality: datatypes.ModalityVitals,
		Rows:     []datatypes.ExtractedRow{{TestName: "Heart Rate", Value: fptr(72), Unit: "/min"}},
	}
	bundle := b.Build(ex, "p", "s")
	obs := bundle.Entry[1].Resource.(*Observation)
	assert.Equal(t, "vital-signs", obs.Category[0].Coding[0].Code)
	assert.Equal(t, "8867-4", obs.Code.Coding[0].Code)
}

func TestFallback_PatientPlusAnnotation(t *testing.T) {
	b := newBuilder()

	bundle := b.Fallback(nil, "patient-7", "sub-1")
	require.Len(t, bundle.Entry, 2)
	assert.IsType(t, &Patient{}, bundle.Entry[0].Resource)
	obs := bundle.Entry[1].Resource.(*Observation)
	assert.Contains(t, obs.ValueString, "manual review")

	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	assert.NoError(t, ValidateMinimal(raw))
}

func TestValidateMinimal_AcceptsBuilderOutput(t *testing.T) {
	b := newBuilder()
	ex := &datatypes.Extraction{
		Modality:   datatypes.ModalityLab,
		ReportDate: "2024-03-15",
		Patient:    datatypes.PatientInfo{Given: "A", Family: "B"},
		Rows: []datatypes.ExtractedRow{
			{TestName: terminology.Hemoglobin, Value: fptr(15.5), Unit: "g/dL"},
			{TestName: "Impression", ValueText: "clear"},
		},
		Medications: []datatypes.MedicationRow{{Medication: "Ibuprofen", Frequency: "tds"}},
	}
	raw, err := json.Marshal(b.Build(ex, "p", "s"))
	require.NoError(t, err)
	assert.NoError(t, ValidateMinimal(raw))
}

func TestValidateMinimal_Violations(t *testing.T) {
	tests := []struct {
		name string
		json string
		path string
	}{
		{
			name: "not a bundle",
			json: `{"resourceType":"Patient"}`,
			path: "resourceType",
		},
		{
			name: "no entries",
			json: `{"resourceType":"Bundle","type":"collection"}`,
			path: "entry",
		},
		{
			name: "missing resourceType on entry",
			json: `{"resourceType":"Bundle","type":"collection","entry":[{"resource":{}}]}`,
			path: "entry.0.resource.resourceType",
		},
		{
			name: "two patients",
			json: `{"resourceType":"Bundle","type":"collection","entry":[
				{"resource":{"resourceType":"Patient"}},
				{"resource":{"resourceType":"Patient"}}]}`,
			path: "entry",
		},
		{
			name: "observation with both value kinds",
			json: `{"resourceType":"Bundle","type":"collection","entry":[
				{"resource":{"resourceType":"Patient"}},
				{"resource":{"resourceType":"Observation","code":{"text":"Hb"},
					"valueQuantity":{"value":1},"valueString":"1"}}]}`,
			path: "entry.1.resource.valueQuantity",
		},
		{
			name: "observation with neither value kind",
			json: `{"resourceType":"Bundle","type":"collection","entry":[
				{"resource":{"resourceType":"Patient"}},
				{"resource":{"resourceType":"Observation","code":{"text":"Hb"}}}]}`,
			path: "entry.1.resource.valueString",
		},
		{
			name: "empty code text",
			json: `{"resourceType":"Bundle","type":"collection","entry":[
				{"resource":{"resourceType":"Patient"}},
				{"resource":{"resourceType":"Observation","code":{},"valueString":"x"}}]}`,
			path: "entry.1.resource.code.text",
		},
		{
			name: "bad effective date",
			json: `{"resourceType":"Bundle","type":"collection","entry":[
				{"resource":{"resourceType":"Patient"}},
				{"resource":{"resourceType":"Observation","code":{"text":"Hb"},
					"valueString":"x","effectiveDateTime":"15/03/2024"}}]}`,
			path: "entry.1.resource.effectiveDateTime",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMinimal([]byte(tt.json))
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.path, vErr.Path)
		})
	}
}

func TestBundle_RoundTrip(t *testing.T) {
	b := newBuilder()
	ex := &datatypes.Extraction{
		Modality: datatypes.ModalityLab,
		Patient:  datatypes.PatientInfo{Given: "Jane", Family: "Smith", Identifier: "MRN-1"},
		Rows: []datatypes.ExtractedRow{
			{TestName: terminology.Hemoglobin, Value: fptr(14.2), Unit: "g/dL", RefLow: fptr(13), RefHigh: fptr(17), Flag: "N"},
			{TestName: "Impression", ValueText: "normal study"},
		},
	}
	bundle := b.Build(ex, "p1", "s1")

	first, err := json.Marshal(bundle)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(decoded)
	require.NoError(t, err)

	var a, b2 map[string]any
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b2))
	assert.Equal(t, a, b2)
}
