// Package firewall applies deterministic medical-axiom rewrites to parsed
// extractions and evaluates completeness. Rewrites are ordered and each
// records an audit note; validation emits a machine-readable issue list
// that drives the repair loop.
package firewall

import (
	"fmt"
	"strings"
	"time"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/terminology"
)

// Config sets the strictness of the completeness rules.
type Config struct {
	Strict               bool
	MinObservations      int
	RequireExpectedTests bool
	RequirePatient       bool
	AllowReportDate      bool
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{MinObservations: 3}
}

// Issue is one machine-readable validation failure.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s]: %s", i.Path, i.Code, i.Message)
}

// RepairNote records one rewrite for the audit trail.
type RepairNote struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Firewall holds the terminology tables and configuration.
// Stateless per call; safe for concurrent use.
type Firewall struct {
	terms *terminology.Map
	cfg   Config
}

func New(terms *terminology.Map, cfg Config) *Firewall {
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = 3
	}
	return &Firewall{terms: terms, cfg: cfg}
}

// MPV reference interval in fL, used by the swap heuristic.
const (
	mpvLow  = 6
	mpvHigh = 12
)

// Sanitize mutates the extraction in place, applying the ordered rewrite
// rules, and returns the audit notes. Sanitize is idempotent.
func (f *Firewall) Sanitize(ex *datatypes.Extraction) []RepairNote {
	var notes []RepairNote
	note := func(rule, format string, args ...any) {
		notes = append(notes, RepairNote{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	// 1. Test names: OCR fixups, then synonym resolution.
	for i := range ex.Rows {
		row := &ex.Rows[i]
		cleaned := cleanRawName(row.TestName)
		canonical := f.terms.CanonicalName(cleaned)
		if canonical != row.TestName {
			note("name_normalized", "%q -> %q", row.TestName, canonical)
			row.TestName = canonical
		}
	}

	// 2. Units: canonicalize, then infer by test name when absent.
	for i := range ex.Rows {
		row := &ex.Rows[i]
		canonical := f.terms.CanonicalUnit(row.Unit)
		if canonical != row.Unit {
			note("unit_normalized", "%s: %q -> %q", row.TestName, row.Unit, canonical)
			row.Unit = canonical
		}
		if row.Unit == "" && row.Numeric() {
			if expected := f.terms.ExpectedUnit(row.TestName); expected != "" {
				note("unit_inferred", "%s: assumed %q", row.TestName, expected)
				row.Unit = expected
			}
		}
	}

	// 3. Deduplicate by canonical name.
	if dropped := dedupeRows(ex); dropped > 0 {
		note("rows_deduplicated", "dropped %d duplicate row(s)", dropped)
	}

	// 4. Rows that carry no measurement are section banners or noise.
	kept := ex.Rows[:0]
	for _, row := range ex.Rows {
		if row.Value == nil && row.ValueText == "" {
			note("empty_row_dropped", "%q had no value", row.TestName)
			continue
		}
		kept = append(kept, row)
	}
	ex.Rows = kept

	// 5. Platelet scaling.
	for i := range ex.Rows {
		if f.scalePlatelet(&ex.Rows[i]) {
			note("platelet_scaled", "value rescaled to /uL")
		}
	}

	// 6. Absolute differential counts off by a factor of ten.
	f.repairAbsoluteCounts(ex, note)

	// 7. Platelet / MPV row swap.
	f.swapPlateletMPV(ex, note)

	// 8. Patient identity cleanup.
	f.cleanIdentity(ex, note)

	// 9. Report date survives only when allowed and ISO-8601.
	if ex.ReportDate != "" {
		if !f.cfg.AllowReportDate || !isISODate(ex.ReportDate) {
			note("report_date_dropped", "%q", ex.ReportDate)
			ex.ReportDate = ""
		}
	}

	// 10. Flags are derived from the range wherever one exists.
	for i := range ex.Rows {
		row := &ex.Rows[i]
		if !row.Numeric() || !row.HasRange() {
			continue
		}
		derived := deriveFlag(*row.Value, *row.RefLow, *row.RefHigh)
		if derived != row.Flag {
			if row.Flag != "" {
				note("flag_recomputed", "%s: %q -> %q", row.TestName, row.Flag, derived)
			}
			row.Flag = derived
		}
	}

	return notes
}

// cleanRawName undoes the common OCR damage seen on printed CBC reports.
func cleanRawName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "(*)# ")
	name = strings.ReplaceAll(name, "M.C.H.2c", "M.C.H.C.")
	name = strings.ReplaceAll(name, "IMPATURE", "IMMATURE")
	return name
}

// dedupeRows keeps one row per canonical test name, preferring numeric
// values over text and ranged rows over rangeless ones.
func dedupeRows(ex *datatypes.Extraction) int {
	best := make(map[string]int)
	order := make([]string, 0, len(ex.Rows))
	for i, row := range ex.Rows {
		key := strings.ToLower(row.TestName)
		prev, seen := best[key]
		if !seen {
			best[key] = i
			order = append(order, key)
			continue
		}
		if betterRow(row, ex.Rows[prev]) {
			best[key] = i
		}
	}
	if len(order) == len(ex.Rows) {
		return 0
	}
	deduped := make([]datatypes.ExtractedRow, 0, len(order))
	for _, key := range order {
		deduped = append(deduped, ex.Rows[best[key]])
	}
	dropped := len(ex.Rows) - len(deduped)
	ex.Rows = deduped
	return dropped
}

func betterRow(a, b datatypes.ExtractedRow) bool {
	if a.Numeric() != b.Numeric() {
		return a.Numeric()
	}
	if a.HasRange() != b.HasRange() {
		return a.HasRange()
	}
	return false
}

// scalePlatelet rescales platelet counts reported in thousands. Covers
// both the bare "370 /uL" form and an explicit 10*3/uL unit; numeric range
// bounds below 1000 are scaled alongside the value.
func (f *Firewall) scalePlatelet(row *datatypes.ExtractedRow) bool {
	if row.TestName != terminology.PlateletCount || !row.Numeric() {
		return false
	}
	v := *row.Value
	if v >= 1000 {
		return false
	}
	switch row.Unit {
	case "", "/uL", "uL":
	default:
		return false
	}
	scaled := v * 1000
	row.Value = &scaled
	row.Unit = "/uL"
	if row.RefLow != nil && *row.RefLow < 1000 {
		low := *row.RefLow * 1000
		row.RefLow = &low
	}
	if row.RefHigh != nil && *row.RefHigh < 1000 {
		high := *row.RefHigh * 1000
		row.RefHigh = &high
	}
	// Any printed flag referred to the unscaled value; rule 10 rederives it.
	row.Flag = ""
	return true
}

// convertThousandsUnit turns an explicit 10*3/uL platelet count into the
// raw /uL form. Only invoked after an MPV swap, where the swapped-in value
// inherits the thousands unit of the original row.
func (f *Firewall) convertThousandsUnit(row *datatypes.ExtractedRow) bool {
	if row.TestName != terminology.PlateletCount || !row.Numeric() || row.Unit != "10*3/uL" {
		return false
	}
	v := *row.Value * 1000
	row.Value = &v
	row.Unit = "/uL"
	if row.RefLow != nil && *row.RefLow < 1000 {
		low := *row.RefLow * 1000
		row.RefLow = &low
	}
	if row.RefHigh != nil && *row.RefHigh < 1000 {
		high := *row.RefHigh * 1000
		row.RefHigh = &high
	}
	row.Flag = ""
	return true
}

// differential percent row backing each absolute count.
var absoluteToPercent = map[string]string{
	"Absolute Neutrophil Count": terminology.Neutrophils,
	"Absolute Lymphocyte Count": terminology.Lymphocytes,
	"Absolute Monocyte Count":   terminology.Monocytes,
	"Absolute Eosinophil Count": terminology.Eosinophils,
	"Absolute Basophil Count":   terminology.Basophils,
}

// repairAbsoluteCounts fixes absolute differential counts dropped by a
// factor of ten during OCR. The expected count is WBC x percent / 100;
// a repair fires only when the extracted value is off by more than 25%
// and multiplying by ten lands within 10% of expected.
func (f *Firewall) repairAbsoluteCounts(ex *datatypes.Extraction, note func(rule, format string, args ...any)) {
	var wbc *float64
	percents := make(map[string]float64)
	for _, row := range ex.Rows {
		if !row.Numeric() {
			continue
		}
		switch row.TestName {
		case terminology.TotalWBC:
			wbc = row.Value
		case terminology.Neutrophils, terminology.Lymphocytes, terminology.Monocytes,
			terminology.Eosinophils, terminology.Basophils:
			if row.Unit == "%" || row.Unit == "" {
				percents[row.TestName] = *row.Value
			}
		}
	}
	if wbc == nil {
		return
	}
	for i := range ex.Rows {
		row := &ex.Rows[i]
		percentName, ok := absoluteToPercent[row.TestName]
		if !ok || !row.Numeric() {
			continue
		}
		pct, ok := percents[percentName]
		if !ok || pct <= 0 {
			continue
		}
		expected := *wbc * pct / 100
		if expected <= 0 {
			continue
		}
		v := *row.Value
		if abs(v-expected) <= 0.25*expected {
			continue
		}
		if abs(v*10-expected) > 0.10*expected {
			continue
		}
		repaired := v * 10
		row.Value = &repaired
		note("absolute_count_repaired", "%s: %.0f -> %.0f (expected %.0f)", row.TestName, v, repaired, expected)
	}
}

// swapPlateletMPV detects the classic row-confusion between Platelet Count
// and MPV: the platelet value sits in the MPV interval while the MPV value
// is only plausible as a platelet count. Values are swapped and platelet
// scaling re-applied.
func (f *Firewall) swapPlateletMPV(ex *datatypes.Extraction, note func(rule, format string, args ...any)) {
	var plt, mpv *datatypes.ExtractedRow
	for i := range ex.Rows {
		switch ex.Rows[i].TestName {
		case terminology.PlateletCount:
			plt = &ex.Rows[i]
		case terminology.MPV:
			mpv = &ex.Rows[i]
		}
	}
	if plt == nil || mpv == nil || !plt.Numeric() || !mpv.Numeric() {
		return
	}
	if *plt.Value < mpvLow || *plt.Value > mpvHigh {
		return
	}
	if !plausiblePlatelet(*mpv.Value) {
		return
	}
	plt.Value, mpv.Value = mpv.Value, plt.Value
	note("mpv_swap", "platelet %.1f <-> mpv %.1f", *plt.Value, *mpv.Value)
	if f.scalePlatelet(plt) || f.convertThousandsUnit(plt) {
		note("platelet_scaled", "value rescaled to /uL")
	}
}

// plausiblePlatelet accepts both the thousands form and the raw /uL form.
func plausiblePlatelet(v float64) bool {
	return (v >= 150 && v <= 450) || (v >= 150000 && v <= 450000)
}

var honorificPrefixes = []string{"dr.", "dr ", "mr.", "mr ", "mrs.", "mrs ", "ms.", "ms ", "master ", "baby "}
var honorificSuffixes = []string{"md", "m.d.", "phd", "ph.d.", "do"}
var placeholderNames = map[string]bool{"john doe": true, "jane doe": true}

// cleanIdentity strips honorifics and credential suffixes from the
// extracted name and rejects placeholder identities.
func (f *Firewall) cleanIdentity(ex *datatypes.Extraction, note func(rule, format string, args ...any)) {
	original := ex.Patient.Name()
	if original == "" {
		return
	}
	name := strings.TrimSpace(original)
	lower := strings.ToLower(name)
	for _, prefix := range honorificPrefixes {
		if strings.HasPrefix(lower, prefix) {
			name = strings.TrimSpace(name[len(prefix):])
			lower = strings.ToLower(name)
		}
	}
	fields := strings.Fields(name)
	for len(fields) > 1 {
		last := strings.ToLower(strings.TrimSuffix(fields[len(fields)-1], ","))
		trimmed := false
		for _, suffix := range honorificSuffixes {
			if last == suffix {
				fields = fields[:len(fields)-1]
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	name = strings.Join(fields, " ")
	if placeholderNames[strings.ToLower(name)] {
		note("placeholder_identity_dropped", "%q", original)
		ex.Patient.Given, ex.Patient.Family = "", ""
		return
	}
	if name == original {
		return
	}
	note("identity_cleaned", "%q -> %q", original, name)
	if idx := strings.LastIndexByte(name, ' '); idx >= 0 {
		ex.Patient.Given, ex.Patient.Family = name[:idx], name[idx+1:]
	} else {
		ex.Patient.Given, ex.Patient.Family = name, ""
	}
}

func isISODate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func deriveFlag(value, low, high float64) string {
	switch {
	case value < low:
		return "L"
	case value > high:
		return "H"
	default:
		return "N"
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Validate evaluates the completeness rules and returns the issue list the
// repair prompt is built from. An empty list means the extraction passes.
func (f *Firewall) Validate(ex *datatypes.Extraction) []Issue {
	var issues []Issue

	if len(ex.Rows) == 0 && len(ex.Medications) == 0 {
		issues = append(issues, Issue{
			Path:    "rows",
			Code:    "empty_extraction",
			Message: "no observations or medications were extracted",
		})
		return issues
	}

	if ex.Modality == datatypes.ModalityPrescription && len(ex.Medications) == 0 {
		issues = append(issues, Issue{
			Path:    "medications",
			Code:    "no_medications",
			Message: "prescription documents must yield at least one medication",
		})
	}

	if !f.cfg.Strict {
		return issues
	}

	if ex.Modality == datatypes.ModalityLab || ex.Modality == datatypes.ModalityUnknown {
		if len(ex.Rows) < f.cfg.MinObservations {
			issues = append(issues, Issue{
				Path:    "rows",
				Code:    "too_few_observations",
				Message: fmt.Sprintf("extracted %d observation(s), need at least %d", len(ex.Rows), f.cfg.MinObservations),
			})
		}
		if f.cfg.RequireExpectedTests && f.looksLikeCBC(ex) {
			if missing := f.missingCBCTests(ex); len(missing) > 0 {
				issues = append(issues, Issue{
					Path:    "rows",
					Code:    "incomplete_cbc_panel",
					Message: "missing CBC tests: " + strings.Join(missing, ", "),
				})
			}
		}
	}

	if f.cfg.RequirePatient {
		if ex.Patient.Name() == "" {
			issues = append(issues, Issue{
				Path:    "patient.name",
				Code:    "missing_patient_name",
				Message: "patient name was not extracted",
			})
		}
		if ex.Patient.Identifier == "" {
			issues = append(issues, Issue{
				Path:    "patient.identifier",
				Code:    "missing_patient_identifier",
				Message: "no patient identifier was extracted",
			})
		}
	}

	return issues
}

func (f *Firewall) looksLikeCBC(ex *datatypes.Extraction) bool {
	for _, row := range ex.Rows {
		if row.TestName == terminology.Hemoglobin || row.TestName == terminology.TotalWBC {
			return true
		}
	}
	return false
}

func (f *Firewall) missingCBCTests(ex *datatypes.Extraction) []string {
	present := make(map[string]bool, len(ex.Rows))
	for _, row := range ex.Rows {
		present[row.TestName] = true
	}
	var missing []string
	for _, name := range f.terms.CBCPanel() {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// IssueStrings renders issues for the repair prompt.
func IssueStrings(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}
