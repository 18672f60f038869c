package completion

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

// SafetyValidator scores prompts and responses against the pediatric safety
// rule set. Verdicts are produced fresh per call and never persisted.
type SafetyValidator struct {
	logger *slog.Logger
}

// NewSafetyValidator creates a safety validator.
func NewSafetyValidator(logger *slog.Logger) *SafetyValidator {
	return &SafetyValidator{
		logger: logger.With("component", "safety"),
	}
}

// safetyState accumulates a verdict across rule evaluations. Severity only
// escalates; rule ids and recommendations are deduplicated in match order.
type safetyState struct {
	severity        Severity
	matches         []string
	recommendations []string
}

func (s *safetyState) raise(sev Severity) {
	if sev > s.severity {
		s.severity = sev
	}
}

func (s *safetyState) match(id string) {
	if !slices.Contains(s.matches, id) {
		s.matches = append(s.matches, id)
	}
}

func (s *safetyState) recommend(rec string) {
	if !slices.Contains(s.recommendations, rec) {
		s.recommendations = append(s.recommendations, rec)
	}
}

// evaluateRules runs the rule table in order against the text.
func evaluateRules(text string, rules []safetyRule, state *safetyState) {
	for _, rule := range rules {
		for _, m := range rule.pattern.FindAllStringSubmatch(text, -1) {
			term := strings.ToLower(m[len(m)-1])
			if rule.suppress != nil && rule.suppress(term, text) {
				continue
			}
			state.raise(rule.severity)
			state.match(rule.id)
			state.recommend(rule.recommendation)
		}
	}
}

// ValidatePrompt validates an outgoing prompt. An age of 0 means unknown and
// skips age-specific checks.
func (v *SafetyValidator) ValidatePrompt(ctx context.Context, prompt string, age int) SafetyVerdict {
	if isRolePreamble(prompt) {
		return SafetyVerdict{
			Safe:     true,
			Severity: SeverityLow,
			Reason:   "System instructions containing clinical safety guidance.",
		}
	}

	state := &safetyState{}
	evaluateRules(prompt, promptRules, state)
	checkAgeLanguage(prompt, age, state)
	return v.verdict(ctx, "prompt", prompt, state)
}

// ValidateResponse validates backend output before it is returned or cached.
// An age of 0 means unknown and skips age-specific checks.
func (v *SafetyValidator) ValidateResponse(ctx context.Context, response string, age int) SafetyVerdict {
	state := &safetyState{}
	evaluateRules(response, responseRules, state)
	checkDosages(response, state)
	checkEmergencyEscalation(response, state)
	checkJargon(response, age, state)
	checkMedicalDisclaimer(response, state)
	return v.verdict(ctx, "response", response, state)
}

func (v *SafetyValidator) verdict(ctx context.Context, stage, text string, state *safetyState) SafetyVerdict {
	verdict := SafetyVerdict{
		Safe:            state.severity < SeverityHigh,
		Severity:        state.severity,
		Matches:         state.matches,
		Reason:          safetyReason(state.severity, state.matches),
		Recommendations: state.recommendations,
	}

	if !verdict.Safe {
		v.logger.WarnContext(ctx, stage+" failed safety validation",
			"severity", verdict.Severity.String(),
			"matched_rules", verdict.Matches,
			"preview", preview(text),
		)
	}
	return verdict
}

// isRolePreamble reports whether the text is the application's own system
// instructions rather than user or model content.
func isRolePreamble(text string) bool {
	count := 0
	for _, marker := range preambleMarkers {
		if strings.Contains(text, marker) {
			count++
		}
	}
	return count >= 3
}

// checkAgeLanguage flags adult-care terminology for audiences under six,
// except inside clinical workflow text where it is expected.
func checkAgeLanguage(text string, age int, state *safetyState) {
	if age <= 0 || age >= 6 {
		return
	}
	lower := strings.ToLower(text)
	if containsAny(lower, treatmentContextIndicators) {
		return
	}
	for _, term := range adultCareTerms {
		if strings.Contains(lower, term) {
			state.raise(SeverityMedium)
			state.match("age-inappropriate-language")
			state.recommend(fmt.Sprintf("Consider using age-appropriate language for the %s age group.", ageGroupName(age)))
		}
	}
}

// checkDosages flags quantity-unit figures that read as dosing instructions
// without a verification disclaimer. Patient measurements, product strength
// descriptions, procedural records, and clinically framed treatment text are
// not dosing instructions.
func checkDosages(text string, state *safetyState) {
	matches := dosagePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return
	}

	lower := strings.ToLower(text)
	if containsAny(lower, clinicalTreatmentTerms) {
		return
	}

	concerning := 0
	for _, m := range matches {
		amount, unit := m[1], strings.ToLower(m[2])
		measurement := amount + " " + unit
		if unspaced := amount + unit; strings.Contains(lower, unspaced) {
			measurement = unspaced
		}

		if isPatientMeasurement(measurement, lower) {
			continue
		}
		if isProductDescription(measurement, lower) {
			continue
		}
		if isProceduralRecord(measurement, lower) {
			continue
		}
		concerning++
	}

	if concerning == 0 {
		return
	}
	if containsAny(lower, medicalDisclaimers) || containsAny(lower, dosageDisclaimers) {
		return
	}

	state.raise(SeverityHigh)
	state.match("unexplained-dosage")
	state.recommend(verifyDosageRec)
	state.recommend(dosageDisclaimerRec)
}

func isPatientMeasurement(measurement, lower string) bool {
	for _, context := range patientMeasurementContexts {
		if within(strings.Index(lower, context), strings.Index(lower, measurement), 100) {
			return true
		}
	}
	return false
}

func isProductDescription(measurement, lower string) bool {
	for _, context := range productDescriptionContexts {
		if !strings.Contains(lower, context) {
			continue
		}
		if within(strings.Index(lower, context), strings.Index(lower, measurement), 200) {
			return true
		}
		if inDescriptiveSentence(measurement, lower) {
			return true
		}
	}
	return appearsInStrengthList(measurement, lower)
}

// inDescriptiveSentence reports whether the sentence holding the measurement
// describes a product rather than instructing administration.
func inDescriptiveSentence(measurement, lower string) bool {
	for _, sentence := range strings.Split(lower, ".") {
		if strings.Contains(sentence, measurement) && containsAny(sentence, descriptiveIndicators) {
			return true
		}
	}
	return false
}

// appearsInStrengthList matches enumerations of product strengths such as
// "100mg and 200mg" or "2.5ml, 5ml, or 10ml".
func appearsInStrengthList(measurement, lower string) bool {
	quoted := regexp.QuoteMeta(measurement)
	after := regexp.MustCompile(quoted + `\s*(?:and|or|,)\s*\d+\s*(?:mg|ml|g)\b`)
	before := regexp.MustCompile(`\d+\s*(?:mg|ml|g)\s*(?:and|or|,)\s*` + quoted)
	return after.MatchString(lower) || before.MatchString(lower)
}

func isProceduralRecord(measurement, lower string) bool {
	for _, phrase := range proceduralPhrases {
		if !strings.Contains(lower, phrase) || !strings.Contains(lower, measurement) {
			continue
		}
		if containsAny(lower, pastTenseAdministration) {
			return true
		}
		if within(strings.Index(lower, phrase), strings.Index(lower, measurement), 150) {
			return true
		}
	}
	return false
}

// checkEmergencyEscalation requires responses that raise emergency topics to
// direct the reader to emergency services.
func checkEmergencyEscalation(text string, state *safetyState) {
	lower := strings.ToLower(text)
	if !containsAny(lower, emergencyResponseTerms) {
		return
	}
	if containsAny(lower, escalationDisclaimers) {
		return
	}
	state.raise(SeverityHigh)
	state.match("emergency-no-escalation")
	state.recommend(emergencyDisclaimerRec)
}

// checkJargon flags complex clinical terminology for audiences under six.
func checkJargon(text string, age int, state *safetyState) {
	if age <= 0 || age >= 6 {
		return
	}
	lower := strings.ToLower(text)
	for _, term := range complexClinicalTerms {
		if strings.Contains(lower, term) {
			state.raise(SeverityMedium)
			state.match("complex-terminology")
			state.recommend(fmt.Sprintf("Consider simplifying medical terminology for a %d-year-old.", age))
		}
	}
}

// checkMedicalDisclaimer requires every response to carry a general medical
// disclaimer.
func checkMedicalDisclaimer(text string, state *safetyState) {
	if containsAny(strings.ToLower(text), medicalDisclaimers) {
		return
	}
	state.raise(SeverityMedium)
	state.match("missing-medical-disclaimer")
	state.recommend(missingDisclaimerRec)
}

func safetyReason(severity Severity, matches []string) string {
	switch severity {
	case SeverityCritical:
		return "Content indicates a medical emergency or serious safety concern."
	case SeverityHigh:
		return fmt.Sprintf("Content contains concerning terms: %s.", strings.Join(firstN(matches, 3), ", "))
	case SeverityMedium:
		return fmt.Sprintf("Content may be inappropriate: %s.", strings.Join(firstN(matches, 2), ", "))
	default:
		return "Content appears safe for pediatric healthcare use."
	}
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// within reports whether two substring indexes are both present and closer
// than the given distance.
func within(a, b, distance int) bool {
	if a < 0 || b < 0 {
		return false
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < distance
}

func preview(text string) string {
	if len(text) > 100 {
		return text[:100] + "..."
	}
	return text
}
