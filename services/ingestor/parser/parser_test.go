package parser

import (
	"testing"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TSVLabReport(t *testing.T) {
	p := New("", "")
	raw := "<unused94>let me think about this report<unused95>" + `
PATIENT_NAME: Ramesh Kumar
SAMPLE_ID: LAB-2024-0042
REPORT_DATE: 2024-03-15
MODALITY: LAB
TEST	VALUE	UNIT	RANGE	FLAG
Hemoglobin	15.5	g/dL	13.0-17.0	N
DIFFERENTIAL COUNT
Neutrophils	60	%	40-80	N
Platelet Count	370	/uL	150-450	L
`
	ex, err := p.Parse(raw, datatypes.ModalityLab)
	require.NoError(t, err)

	assert.Equal(t, "Ramesh", ex.Patient.Given)
	assert.Equal(t, "Kumar", ex.Patient.Family)
	assert.Equal(t, "LAB-2024-0042", ex.Patient.Identifier)
	assert.Equal(t, "2024-03-15", ex.ReportDate)
	assert.Equal(t, datatypes.ModalityLab, ex.Modality)

	require.Len(t, ex.Rows, 3) // banner line dropped
	hb := ex.Rows[0]
	assert.Equal(t, "Hemoglobin", hb.TestName)
	require.NotNil(t, hb.Value)
	assert.InDelta(t, 15.5, *hb.Value, 1e-9)
	assert.Equal(t, "g/dL", hb.Unit)
	require.NotNil(t, hb.RefLow)
	assert.InDelta(t, 13.0, *hb.RefLow, 1e-9)
	assert.Equal(t, "N", hb.Flag)

	plt := ex.Rows[2]
	assert.Equal(t, "Platelet Count", plt.TestName)
	assert.InDelta(t, 370, *plt.Value, 1e-9)
	assert.Equal(t, "L", plt.Flag)
}

func TestParse_UnknownMetadataBecomesEmpty(t *testing.T) {
	p := New("", "")
	raw := `PATIENT_NAME: UNKNOWN
SAMPLE_ID: UNKNOWN
TEST	VALUE	UNIT	RANGE	FLAG
Hemoglobin	13	g/dL		`
	ex, err := p.Parse(raw, datatypes.ModalityLab)
	require.NoError(t, err)
	assert.Empty(t, ex.Patient.Name())
	assert.Empty(t, ex.Patient.Identifier)
	require.Len(t, ex.Rows, 1)
}

func TestParse_FencedJSONPrescription(t *testing.T) {
	p := New("", "")
	raw := "```json\n" +
		`[{"medication":"Amoxicillin 500mg","dosage":"1 tab","frequency":"bid","duration":"7 days"}]` +
		"\n```"
	ex, err := p.Parse(raw, datatypes.ModalityPrescription)
	require.NoError(t, err)
	require.Len(t, ex.Medications, 1)
	assert.Equal(t, "Amoxicillin 500mg", ex.Medications[0].Medication)
	assert.Equal(t, "bid", ex.Medications[0].Frequency)
}

func TestParse_JSONObjectWithObservations(t *testing.T) {
	p := New("", "")
	raw := `{
		"patient": {"name": "Jane Smith", "id": "MRN-99"},
		"report_date": "2024-01-02",
		"observations": [
			{"test_name": "Hemoglobin", "value": 14.2, "unit": "g/dL", "reference_range": "13-17", "flag": "N"},
			{"test_name": "Comment", "value": "sample hemolyzed", "unit": "", "reference_range": "", "flag": ""}
		]
	}`
	ex, err := p.Parse(raw, datatypes.ModalityLab)
	require.NoError(t, err)
	assert.Equal(t, "Jane", ex.Patient.Given)
	assert.Equal(t, "Smith", ex.Patient.Family)
	assert.Equal(t, "MRN-99", ex.Patient.Identifier)
	require.Len(t, ex.Rows, 2)
	require.NotNil(t, ex.Rows[0].Value)
	assert.InDelta(t, 14.2, *ex.Rows[0].Value, 1e-9)
	require.NotNil(t, ex.Rows[0].RefLow)
	assert.Nil(t, ex.Rows[1].Value)
	assert.Equal(t, "sample hemolyzed", ex.Rows[1].ValueText)
}

func TestParse_RadiologyTable(t *testing.T) {
	p := New("", "")
	raw := `PATIENT_NAME: UNKNOWN
MODALITY: RADIOLOGY
ANATOMY	FINDING
Right lung	Clear, no consolidation
Left lung	Small pleural effusion
IMPRESSION: Mild left pleural effusion, clinical correlation advised.`
	ex, err := p.Parse(raw, datatypes.ModalityRadiology)
	require.NoError(t, err)
	require.Len(t, ex.Rows, 3)
	assert.Equal(t, "Right lung", ex.Rows[0].TestName)
	assert.Equal(t, "Clear, no consolidation", ex.Rows[0].ValueText)
	assert.Equal(t, "Impression", ex.Rows[2].TestName)
}

func TestParse_PipeAndSpaceFallbacks(t *testing.T) {
	p := New("", "")

	piped := `TEST|VALUE|UNIT|RANGE|FLAG
Hemoglobin|12.1|g/dL|13.0-17.0|LOW`
	ex, err := p.Parse(piped, datatypes.ModalityLab)
	require.NoError(t, err)
	require.Len(t, ex.Rows, 1)
	assert.Equal(t, "L", ex.Rows[0].Flag) // colloquial LOW folded

	spaced := `TEST   VALUE   UNIT   RANGE   FLAG
Hemoglobin   12.1   g/dL   13.0-17.0   H`
	ex, err = p.Parse(spaced, datatypes.ModalityLab)
	require.NoError(t, err)
	require.Len(t, ex.Rows, 1)
	assert.InDelta(t, 12.1, *ex.Rows[0].Value, 1e-9)
}

func TestParse_ThousandsSeparatorsAndGluedFlags(t *testing.T) {
	p := New("", "")
	raw := `TEST	VALUE	UNIT	RANGE	FLAG
Platelet Count	2,50,000 [L]	/uL	150000-450000	`
	ex, err := p.Parse(raw, datatypes.ModalityLab)
	require.NoError(t, err)
	require.Len(t, ex.Rows, 1)
	assert.InDelta(t, 250000, *ex.Rows[0].Value, 1e-9)
	assert.Equal(t, "L", ex.Rows[0].Flag)
}

func TestParse_BloodPressureStaysText(t *testing.T) {
	p := New("", "")
	raw := `TEST	VALUE	UNIT	RANGE	FLAG
Blood Pressure	120/80	mmHg		`
	ex, err := p.Parse(raw, datatypes.ModalityVitals)
	require.NoError(t, err)
	require.Len(t, ex.Rows, 1)
	assert.Nil(t, ex.Rows[0].Value)
	assert.Equal(t, "120/80", ex.Rows[0].ValueText)
	assert.Equal(t, "mmHg", ex.Rows[0].Unit)
}

func TestParse_Unparseable(t *testing.T) {
	p := New("", "")
	_, err := p.Parse("I could not read the document, sorry.", datatypes.ModalityLab)
	require.ErrorIs(t, err, ErrUnparseable)

	_, err = p.Parse("<unused94>only thoughts here<unused95>", datatypes.ModalityLab)
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestNormalizeFlag(t *testing.T) {
	tests := []struct{ in, want string }{
		{"H", "H"}, {"HIGH", "H"}, {"ABN", "H"},
		{"l", "L"}, {"Low", "L"},
		{"N", "N"}, {"wnl", "N"},
		{"??", ""}, {"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFlag(tt.in), "flag %q", tt.in)
	}
}
