package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	labeledFencePattern = regexp.MustCompile("(?is)```json\\s*(.*?)```")
	anyFencePattern     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	diagnosisPattern    = regexp.MustCompile(`(?i)primary diagnosis[:\s]*([^\n]+)`)
	medicationPattern   = regexp.MustCompile(`(?i)(\w+)\s+(\d+[-\s]\d+\s*mg/kg|\d+\s*mg|\d+[-\s]\d+\s*ml)`)
	stepLinePattern     = regexp.MustCompile(`^\s*(?:\d+[.)]\s+|[-*•]\s+)(.+)`)
)

// Normalizer repairs model output into a structured payload. Extraction
// strategies run in order of decreasing trust in the model's formatting; the
// final synthesis step never fails, so callers that allow it always receive
// schema-valid data.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a structured output normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With("component", "normalize")}
}

// Normalize extracts a structured payload from model output. When strict is
// set the synthesis fallback is skipped and unparseable output is rejected
// with ErrMalformedOutput.
func (n *Normalizer) Normalize(ctx context.Context, text string, strict bool) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(text)

	extractors := []func(string) []string{
		extractDirect,
		extractLabeledFences,
		extractAnyFences,
		extractDelimitedSpans,
	}
	for _, extract := range extractors {
		for _, candidate := range extract(trimmed) {
			if payload, ok := parsePayload(candidate); ok {
				return payload, nil
			}
		}
	}

	if strict {
		return nil, fmt.Errorf("model output contains no parseable JSON: %w", ErrMalformedOutput)
	}

	n.logger.WarnContext(ctx, "synthesizing structured payload from unstructured output",
		"preview", preview(text))
	return synthesizePayload(text), nil
}

// parsePayload decodes a candidate as JSON. Top-level arrays are wrapped
// under an items key; scalars are not structured data and are rejected.
func parsePayload(candidate string) (map[string]interface{}, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, false
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
		return nil, false
	}

	switch v := decoded.(type) {
	case map[string]interface{}:
		return v, true
	case []interface{}:
		return map[string]interface{}{"items": v}, true
	default:
		return nil, false
	}
}

func extractDirect(text string) []string {
	return []string{text}
}

func extractLabeledFences(text string) []string {
	return fenceContents(labeledFencePattern, text)
}

func extractAnyFences(text string) []string {
	return fenceContents(anyFencePattern, text)
}

func fenceContents(pattern *regexp.Regexp, text string) []string {
	var candidates []string
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	return candidates
}

func extractDelimitedSpans(text string) []string {
	var candidates []string
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && start < end {
		candidates = append(candidates, text[start:end+1])
	}
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start != -1 && start < end {
		candidates = append(candidates, text[start:end+1])
	}
	return candidates
}

// synthesizePayload builds a minimal valid clinical payload from free text.
// The original text is preserved verbatim in patient_education and the
// payload is tagged so callers can tell repaired output from genuine
// structure.
func synthesizePayload(text string) map[string]interface{} {
	diagnosis := "unspecified condition"
	if m := diagnosisPattern.FindStringSubmatch(text); m != nil {
		diagnosis = strings.TrimSpace(m[1])
	}

	medications := []interface{}{}
	for _, m := range medicationPattern.FindAllStringSubmatch(text, -1) {
		medications = append(medications, map[string]interface{}{
			"name":     m[1],
			"dose":     m[2],
			"route":    "oral",
			"duration": "as needed",
			"notes":    "Verify dosing with current protocols",
		})
	}

	return map[string]interface{}{
		"primary_diagnosis":   diagnosis,
		"secondary_diagnoses": []interface{}{},
		"icd10_codes":         []interface{}{"R50.9"},
		"urgency_level":       "routine",
		"confidence_score":    0.5,
		"treatment_summary":   "Clinical guidance provided in text format",
		"medications":         medications,
		"treatment_steps":     extractTreatmentSteps(text),
		"monitoring":          []interface{}{"Monitor patient condition closely"},
		"red_flags":           []interface{}{"Worsening symptoms", "New concerning signs"},
		"follow_up":           "Follow up as clinically indicated",
		"patient_education":   text,
		"when_to_refer":       "Refer if condition worsens or does not improve",
		"safety_alerts":       []interface{}{"Always verify dosing and contraindications"},
		"machine_synthesized": true,
	}
}

func extractTreatmentSteps(text string) []interface{} {
	var steps []interface{}
	for _, line := range strings.Split(text, "\n") {
		m := stepLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		steps = append(steps, map[string]interface{}{
			"step":     len(steps) + 1,
			"action":   strings.TrimSpace(m[1]),
			"priority": "immediate",
		})
	}
	if len(steps) == 0 {
		steps = append(steps, map[string]interface{}{
			"step":     1,
			"action":   "Review clinical guidelines for current condition",
			"priority": "immediate",
		})
	}
	return steps
}
