package fhir

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ValidationError reports the first rule violated by a bundle, with the
// JSON path of the offending field.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fhir: bundle invalid at %s: %s", e.Path, e.Message)
}

// ValidateMinimal enforces the minimal R4 compliance rules over a
// serialized bundle: a Bundle root, resourceType on every entry, exactly
// one Patient, value-type exclusivity on Observations, non-empty code
// text, and ISO-8601 dates where present. Returns nil when the bundle
// passes, or the first violation found.
func ValidateMinimal(bundleJSON []byte) error {
	if !gjson.ValidBytes(bundleJSON) {
		return &ValidationError{Path: "$", Message: "not valid JSON"}
	}
	root := gjson.ParseBytes(bundleJSON)

	if rt := root.Get("resourceType").String(); rt != "Bundle" {
		return &ValidationError{Path: "resourceType", Message: fmt.Sprintf("expected Bundle, got %q", rt)}
	}
	entries := root.Get("entry")
	if !entries.IsArray() {
		return &ValidationError{Path: "entry", Message: "missing entry array"}
	}

	patients := 0
	var firstErr *ValidationError
	entries.ForEach(func(idx, entry gjson.Result) bool {
		path := fmt.Sprintf("entry.%d.resource", idx.Int())
		resource := entry.Get("resource")
		if !resource.Exists() {
			firstErr = &ValidationError{Path: path, Message: "entry has no resource"}
			return false
		}
		rt := resource.Get("resourceType").String()
		if rt == "" {
			firstErr = &ValidationError{Path: path + ".resourceType", Message: "missing resourceType"}
			return false
		}
		switch rt {
		case "Patient":
			patients++
		case "Observation":
			firstErr = validateObservation(path, resource)
		case "MedicationRequest":
			firstErr = validateMedicationRequest(path, resource)
		}
		return firstErr == nil
	})
	if firstErr != nil {
		return firstErr
	}
	if patients != 1 {
		return &ValidationError{Path: "entry", Message: fmt.Sprintf("expected exactly one Patient, found %d", patients)}
	}
	return nil
}

func validateObservation(path string, obs gjson.Result) *ValidationError {
	hasQuantity := obs.Get("valueQuantity").Exists()
	hasString := obs.Get("valueString").Exists()
	if hasQuantity == hasString {
		msg := "must carry exactly one of valueQuantity or valueString"
		if hasQuantity {
			return &ValidationError{Path: path + ".valueQuantity", Message: msg}
		}
		return &ValidationError{Path: path + ".valueString", Message: msg}
	}
	if hasQuantity && !obs.Get("valueQuantity.value").Exists() {
		return &ValidationError{Path: path + ".valueQuantity.value", Message: "quantity without a numeric value"}
	}
	if obs.Get("code.text").String() == "" {
		return &ValidationError{Path: path + ".code.text", Message: "code text must be non-empty"}
	}
	if eff := obs.Get("effectiveDateTime"); eff.Exists() && !isISO(eff.String()) {
		return &ValidationError{Path: path + ".effectiveDateTime", Message: fmt.Sprintf("not ISO-8601: %q", eff.String())}
	}
	return nil
}

func validateMedicationRequest(path string, req gjson.Result) *ValidationError {
	if req.Get("medicationCodeableConcept.text").String() == "" {
		return &ValidationError{Path: path + ".medicationCodeableConcept.text", Message: "medication text must be non-empty"}
	}
	if authored := req.Get("authoredOn"); authored.Exists() && !isISO(authored.String()) {
		return &ValidationError{Path: path + ".authoredOn", Message: fmt.Sprintf("not ISO-8601: %q", authored.String())}
	}
	return nil
}

func isISO(s string) bool {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
