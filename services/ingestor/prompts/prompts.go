// Package prompts builds the chat message sequences for every LLM call the
// pipeline makes. Each builder is a pure function over its inputs.
package prompts

import (
	"fmt"
	"strings"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/llm"
)

const classifierSystem = `You are a clinical document classifier.
Look at the attached document images and reply with EXACTLY ONE uppercase
token from this set, nothing else:

LAB RADIOLOGY PRESCRIPTION VITALS

LAB means a laboratory report with test results (CBC, metabolic panel, etc).
RADIOLOGY means an imaging report (X-ray, CT, MRI, ultrasound).
PRESCRIPTION means a medication prescription or discharge medication list.
VITALS means a vital-signs sheet (pulse, blood pressure, temperature).`

const labSystem = `You are a medical data extraction engine.
Transcribe every test result from the attached laboratory report.

Output format, in this exact order:
1. Metadata lines, one per line:
PATIENT_NAME: <name exactly as printed, or UNKNOWN>
SAMPLE_ID: <sample or lab number, or UNKNOWN>
REPORT_DATE: <date as printed, or UNKNOWN>
MODALITY: LAB
2. A single tab-separated table with the fixed header:
TEST	VALUE	UNIT	RANGE	FLAG

Rules:
- One row per test. Transcribe values EXACTLY as printed, including decimals.
- RANGE is the printed reference interval, e.g. 13.0-17.0. Leave blank if absent.
- FLAG is H, L or N as printed. Leave blank if absent.
- NO markdown, NO code fences, NO commentary. Tabs between cells.

Example rows:
Hemoglobin	15.5	g/dL	13.0-17.0	N
Total WBC Count	9000	/uL	4000-11000	N
Neutrophils	60	%	40-80	N
Platelet Count	250000	/uL	150000-450000	N`

const radiologySystem = `You are a medical data extraction engine.
Transcribe the attached radiology report.

Output format:
PATIENT_NAME: <name exactly as printed, or UNKNOWN>
REPORT_DATE: <date as printed, or UNKNOWN>
MODALITY: RADIOLOGY
Then a tab-separated table with header:
ANATOMY	FINDING

One row per anatomical region with its narrative finding as a quoted-free
string. After the table, a final line:
IMPRESSION: <the radiologist's impression verbatim>

NO markdown, NO code fences.`

const prescriptionSystem = `You are a medical data extraction engine.
Transcribe every medication from the attached prescription.

Reply with ONLY a JSON array, one object per medication:
[{"medication": "...", "dosage": "...", "frequency": "...", "duration": "..."}]

Rules:
- Preserve colloquial frequencies VERBATIM ("bid", "tds", "twice daily").
- Use "" for any field not printed.
- No markdown fences, no commentary, JSON only.`

const vitalsSystem = `You are a medical data extraction engine.
Transcribe the attached vital-signs sheet.

Output format:
PATIENT_NAME: <name exactly as printed, or UNKNOWN>
REPORT_DATE: <date as printed, or UNKNOWN>
MODALITY: VITALS
Then a tab-separated table with the fixed header:
TEST	VALUE	UNIT	RANGE	FLAG

Recognized tests: Heart Rate, Blood Pressure, Body Temperature,
Oxygen Saturation, BMI, Body Weight, Body Height, Respiratory Rate.
NO markdown, NO code fences.`

const synthesisSystem = `You are a clinical summarization assistant writing for
a physician. Given a FHIR bundle of extracted observations and the doctor's
own notes, produce a concise markdown summary with exactly these H2 sections:

## Findings
## Correlations
## Recommendations

Ground every statement in the supplied data. Do not invent values.`

// Classify builds the modality-classification call.
func Classify(images []llm.ImagePart) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Text: classifierSystem},
		{Role: llm.RoleUser, Text: "Classify this document.", Images: images},
	}
}

// Extract builds the modality-specific extraction call. UNKNOWN falls back
// to the LAB protocol, which degrades the most gracefully on mixed content.
func Extract(modality datatypes.Modality, images []llm.ImagePart) []llm.Message {
	var system string
	switch modality {
	case datatypes.ModalityRadiology:
		system = radiologySystem
	case datatypes.ModalityPrescription:
		system = prescriptionSystem
	case datatypes.ModalityVitals:
		system = vitalsSystem
	default:
		system = labSystem
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Text: system},
		{Role: llm.RoleUser, Text: "Extract the data from this document.", Images: images},
	}
}

// Repair builds the re-extraction call after validation failures. The prior
// raw output and the machine-readable error list ride along; images are not
// re-sent. History is a short per-attempt summary so the model can see what
// it already tried.
func Repair(modality datatypes.Modality, prior string, issues []string, history string) []llm.Message {
	var b strings.Builder
	b.WriteString("Your previous extraction had problems. Re-emit the COMPLETE output in the same format, corrected.\n\n")
	if history != "" {
		b.WriteString("Attempt history:\n")
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	b.WriteString("Problems found:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	b.WriteString("\nYour previous output was:\n")
	b.WriteString(prior)

	var system string
	switch modality {
	case datatypes.ModalityRadiology:
		system = radiologySystem
	case datatypes.ModalityPrescription:
		system = prescriptionSystem
	case datatypes.ModalityVitals:
		system = vitalsSystem
	default:
		system = labSystem
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Text: system},
		{Role: llm.RoleUser, Text: b.String()},
	}
}

// Synthesize builds the AI-summary call over a persisted bundle.
func Synthesize(bundleJSON, doctorNotes string) []llm.Message {
	var b strings.Builder
	b.WriteString("FHIR bundle:\n")
	b.WriteString(bundleJSON)
	if strings.TrimSpace(doctorNotes) != "" {
		b.WriteString("\n\nDoctor's notes:\n")
		b.WriteString(doctorNotes)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Text: synthesisSystem},
		{Role: llm.RoleUser, Text: b.String()},
	}
}
