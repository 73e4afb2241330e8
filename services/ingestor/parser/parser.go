// Package parser turns raw LLM output into a structured Extraction.
// It tries JSON first and falls back to TSV table parsing; the raw text is
// never mutated (the caller preserves a verbatim copy for audit).
package parser

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
)

// ErrUnparseable means the output was neither valid JSON nor a
// recognizable TSV table. The pipeline treats this as an extraction
// failure and enters the repair loop.
var ErrUnparseable = errors.New("parser: output is neither JSON nor a TSV table")

// Default chain-of-thought delimiters emitted by the extraction model.
const (
	DefaultThinkStart = "<unused94>"
	DefaultThinkEnd   = "<unused95>"
)

var (
	valueRe = regexp.MustCompile(`^([-+]?\d+(?:\.\d+)?)\s*(.*)$`)
	rangeRe = regexp.MustCompile(`^\s*([-+]?\d+(?:\.\d+)?)\s*[-–]\s*([-+]?\d+(?:\.\d+)?)`)
	spaceRe = regexp.MustCompile(`\s{2,}`)
)

// Parser holds the compiled thinking-token pattern. Safe for concurrent use.
type Parser struct {
	think *regexp.Regexp
}

// New builds a parser stripping the given chain-of-thought delimiter pair.
// Empty delimiters select the defaults.
func New(thinkStart, thinkEnd string) *Parser {
	if thinkStart == "" {
		thinkStart = DefaultThinkStart
	}
	if thinkEnd == "" {
		thinkEnd = DefaultThinkEnd
	}
	pattern := `(?s)` + regexp.QuoteMeta(thinkStart) + `.*?` + regexp.QuoteMeta(thinkEnd)
	return &Parser{think: regexp.MustCompile(pattern)}
}

// Parse converts raw model output into an Extraction for the given modality.
func (p *Parser) Parse(raw string, modality datatypes.Modality) (*datatypes.Extraction, error) {
	text := p.think.ReplaceAllString(raw, "")
	text = stripFences(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrUnparseable
	}

	if ex, ok := tryJSON(text, modality); ok {
		return ex, nil
	}
	if ex, ok := tryTSV(text, modality); ok {
		return ex, nil
	}
	return nil, ErrUnparseable
}

// stripFences unwraps a ```-fenced block, tolerating a language hint on the
// opening fence.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		first := strings.TrimSpace(trimmed[:nl])
		if first == "" || isLangHint(first) {
			trimmed = trimmed[nl+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return trimmed
}

func isLangHint(s string) bool {
	switch strings.ToLower(s) {
	case "json", "tsv", "text", "csv":
		return true
	}
	return false
}

// =============================================================================
// JSON path
// =============================================================================

type jsonObservation struct {
	TestName       string `json:"test_name"`
	Value          any    `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
	Flag           string `json:"flag"`
}

type jsonPayload struct {
	Patient struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"patient"`
	Observations []jsonObservation         `json:"observations"`
	Medications  []datatypes.MedicationRow `json:"medications"`
	ReportDate   string                    `json:"report_date"`
}

func tryJSON(text string, modality datatypes.Modality) (*datatypes.Extraction, bool) {
	switch text[0] {
	case '[':
		// A bare array is the prescription protocol.
		var meds []datatypes.MedicationRow
		if err := json.Unmarshal([]byte(text), &meds); err != nil {
			return nil, false
		}
		if modality == datatypes.ModalityUnknown {
			modality = datatypes.ModalityPrescription
		}
		return &datatypes.Extraction{Medications: meds, Modality: modality}, true
	case '{':
		var payload jsonPayload
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return nil, false
		}
		ex := &datatypes.Extraction{
			Medications: payload.Medications,
			ReportDate:  payload.ReportDate,
			Modality:    modality,
		}
		ex.Patient.Given, ex.Patient.Family = splitName(cleanUnknown(payload.Patient.Name))
		ex.Patient.Identifier = cleanUnknown(payload.Patient.ID)
		for i, obs := range payload.Observations {
			row := datatypes.ExtractedRow{
				TestName:   obs.TestName,
				Unit:       obs.Unit,
				Flag:       NormalizeFlag(obs.Flag),
				SourceSpan: i,
			}
			switch v := obs.Value.(type) {
			case float64:
				row.Value = &v
			case string:
				fillValue(&row, v)
			}
			fillRange(&row, obs.ReferenceRange)
			if row.TestName != "" {
				ex.Rows = append(ex.Rows, row)
			}
		}
		return ex, true
	}
	return nil, false
}

// =============================================================================
// TSV path
// =============================================================================

var labHeaderCells = map[string]bool{
	"TEST": true, "NAME": true, "ANALYTE": true, "PARAMETER": true,
	"VALUE": true, "RESULT": true,
	"UNIT": true, "UNITS": true,
	"RANGE": true, "REFERENCE": true, "REF": true, "INTERVAL": true, "REFERENCE RANGE": true,
	"FLAG": true, "STATUS": true,
}

var radiologyHeaderCells = map[string]bool{
	"ANATOMY": true, "REGION": true, "FINDING": true, "FINDINGS": true,
}

func headerCells(modality datatypes.Modality) map[string]bool {
	if modality == datatypes.ModalityRadiology {
		return radiologyHeaderCells
	}
	return labHeaderCells
}

func tryTSV(text string, modality datatypes.Modality) (*datatypes.Extraction, bool) {
	ex := &datatypes.Extraction{Modality: modality}
	expected := headerCells(modality)
	headerSeen := false
	span := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if key, val, ok := metadataLine(line); ok {
			applyMetadata(ex, key, val)
			continue
		}
		cells := splitCells(line)
		if len(cells) == 0 {
			continue
		}
		if isSectionBanner(cells) {
			continue
		}
		if !headerSeen && isHeader(cells, expected) {
			headerSeen = true
			continue
		}
		if modality == datatypes.ModalityRadiology {
			if row, ok := radiologyRow(cells, span); ok {
				ex.Rows = append(ex.Rows, row)
				span++
			}
			continue
		}
		if row, ok := labRow(cells, span); ok {
			ex.Rows = append(ex.Rows, row)
			span++
		}
	}

	if len(ex.Rows) == 0 && len(ex.Medications) == 0 {
		return nil, false
	}
	return ex, true
}

func metadataLine(line string) (key, val string, ok bool) {
	upper := strings.ToUpper(line)
	for _, prefix := range []string{"PATIENT_NAME:", "PATIENT NAME:", "SAMPLE_ID:", "SAMPLE ID:", "REPORT_DATE:", "REPORT DATE:", "MODALITY:", "IMPRESSION:"} {
		if strings.HasPrefix(upper, prefix) {
			key = strings.ReplaceAll(strings.TrimSuffix(prefix, ":"), " ", "_")
			val = strings.TrimSpace(line[len(prefix):])
			return key, val, true
		}
	}
	return "", "", false
}

func applyMetadata(ex *datatypes.Extraction, key, val string) {
	switch key {
	case "PATIENT_NAME":
		ex.Patient.Given, ex.Patient.Family = splitName(cleanUnknown(val))
	case "SAMPLE_ID":
		ex.Patient.Identifier = cleanUnknown(val)
	case "REPORT_DATE":
		ex.ReportDate = cleanUnknown(val)
	case "MODALITY":
		if m := datatypes.ParseModality(strings.ToUpper(cleanUnknown(val))); m != datatypes.ModalityUnknown {
			ex.Modality = m
		}
	case "IMPRESSION":
		if val != "" {
			ex.Rows = append(ex.Rows, datatypes.ExtractedRow{TestName: "Impression", ValueText: val})
		}
	}
}

// splitName splits on the last whitespace into given/family. Honorific
// stripping happens later in the firewall.
func splitName(name string) (given, family string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	if idx := strings.LastIndexByte(name, ' '); idx >= 0 {
		return strings.TrimSpace(name[:idx]), strings.TrimSpace(name[idx+1:])
	}
	return name, ""
}

func cleanUnknown(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "UNKNOWN") {
		return ""
	}
	return strings.TrimSpace(s)
}

// splitCells prefers tabs, then pipes, then runs of two or more spaces.
func splitCells(line string) []string {
	var parts []string
	switch {
	case strings.Contains(line, "\t"):
		parts = strings.Split(line, "\t")
	case strings.Contains(line, "|"):
		parts = strings.Split(line, "|")
	default:
		parts = spaceRe.Split(line, -1)
	}
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

func isHeader(cells []string, expected map[string]bool) bool {
	matches := 0
	nonEmpty := 0
	for _, c := range cells {
		if c == "" {
			continue
		}
		nonEmpty++
		if expected[strings.ToUpper(c)] {
			matches++
		}
	}
	if matches >= 3 {
		return true
	}
	// Two-column protocols (radiology) have two-cell headers.
	return nonEmpty >= 2 && matches == nonEmpty
}

// isSectionBanner detects lines like "DIFFERENTIAL COUNT" whose only
// non-empty cell is an uppercase section title.
func isSectionBanner(cells []string) bool {
	var banner string
	for _, c := range cells {
		if c == "" {
			continue
		}
		if banner != "" {
			return false
		}
		banner = c
	}
	if banner == "" {
		return false
	}
	hasLetter := false
	for _, r := range banner {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r == ' ' || r == '-' || r == ':':
		default:
			return false
		}
	}
	return hasLetter
}

func radiologyRow(cells []string, span int) (datatypes.ExtractedRow, bool) {
	if len(cells) < 2 || cells[0] == "" || cells[1] == "" {
		return datatypes.ExtractedRow{}, false
	}
	return datatypes.ExtractedRow{
		TestName:   cells[0],
		ValueText:  strings.Join(cells[1:], " "),
		SourceSpan: span,
	}, true
}

func labRow(cells []string, span int) (datatypes.ExtractedRow, bool) {
	if len(cells) < 2 || cells[0] == "" {
		return datatypes.ExtractedRow{}, false
	}
	row := datatypes.ExtractedRow{TestName: cells[0], SourceSpan: span}
	fillValue(&row, cells[1])
	if len(cells) > 2 && cells[2] != "" {
		row.Unit = cells[2]
	}
	if len(cells) > 3 {
		fillRange(&row, cells[3])
	}
	if len(cells) > 4 {
		row.Flag = NormalizeFlag(cells[4])
	}
	if row.Value == nil && row.ValueText == "" {
		return datatypes.ExtractedRow{}, false
	}
	return row, true
}

// fillValue parses a value cell: numeric with optional glued unit or
// trailing [H]/[L] marker, else free text.
func fillValue(row *datatypes.ExtractedRow, cell string) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return
	}
	// Flag markers glued to the value ("370 [L]").
	for _, marker := range []string{"[H]", "[L]", "(H)", "(L)"} {
		if strings.HasSuffix(cell, marker) {
			if row.Flag == "" {
				row.Flag = string(marker[1])
			}
			cell = strings.TrimSpace(strings.TrimSuffix(cell, marker))
		}
	}
	numeric := strings.ReplaceAll(cell, ",", "")
	if m := valueRe.FindStringSubmatch(numeric); m != nil {
		rest := strings.TrimSpace(m[2])
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && !compoundValue(rest) {
			row.Value = &v
			if rest != "" {
				// Tabs sometimes collapse, gluing the unit to the value.
				row.Unit = rest
			}
			return
		}
	}
	row.ValueText = cell
}

// compoundValue reports a remainder that continues the number rather than
// naming a unit, e.g. the "/80" of a blood-pressure reading "120/80".
func compoundValue(rest string) bool {
	if len(rest) < 2 {
		return false
	}
	if rest[0] != '/' && rest[0] != '-' {
		return false
	}
	return rest[1] >= '0' && rest[1] <= '9'
}

func fillRange(row *datatypes.ExtractedRow, cell string) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return
	}
	normalized := strings.ReplaceAll(cell, ",", "")
	if m := rangeRe.FindStringSubmatch(normalized); m != nil {
		low, errLow := strconv.ParseFloat(m[1], 64)
		high, errHigh := strconv.ParseFloat(m[2], 64)
		if errLow == nil && errHigh == nil && low <= high {
			row.RefLow, row.RefHigh = &low, &high
			return
		}
	}
	row.RefText = cell
}

// NormalizeFlag folds colloquial flag spellings onto H, L or N.
// Anything unrecognized clears to empty.
func NormalizeFlag(flag string) string {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "H", "HIGH", "HI", "A", "ABN", "ABNORMAL":
		return "H"
	case "L", "LOW", "LO":
		return "L"
	case "N", "NORMAL", "WNL":
		return "N"
	}
	return ""
}
