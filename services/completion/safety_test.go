package completion

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/instantcocoa/kos/pkg/testutil"
)

// =============================================================================
// Prompt Validation Tests
// =============================================================================

func TestValidatePrompt_SafeClinicalQuestion(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "What is the recommended amoxicillin dosing for acute otitis media in a 4 year old?", 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if verdict.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low", verdict.Severity)
	}
	if verdict.Reason != "Content appears safe for pediatric healthcare use." {
		t.Errorf("Reason = %q", verdict.Reason)
	}
}

func TestValidatePrompt_SelfHarmFlagged(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "adolescent patient expressing suicidal ideation", 0)

	if verdict.Safe {
		t.Error("Safe = true, want false")
	}
	if verdict.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "self-harm") {
		t.Errorf("Matches = %v, want self-harm", verdict.Matches)
	}
	if !strings.HasPrefix(verdict.Reason, "Content contains concerning terms:") {
		t.Errorf("Reason = %q", verdict.Reason)
	}
}

func TestValidatePrompt_EmergencyCritical(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "Child is unconscious and has difficulty breathing", 0)

	if verdict.Safe {
		t.Error("Safe = true, want false")
	}
	if verdict.Severity != SeverityCritical {
		t.Errorf("Severity = %v, want critical", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "medical-emergency") {
		t.Errorf("Matches = %v, want medical-emergency", verdict.Matches)
	}
	if verdict.Reason != "Content indicates a medical emergency or serious safety concern." {
		t.Errorf("Reason = %q", verdict.Reason)
	}
}

func TestValidatePrompt_SuppressesEscalationBoilerplate(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	prompt := "Include guidance on when to escalate care and when to seek immediate medical attention in an emergency department"
	verdict := v.ValidatePrompt(context.Background(), prompt, 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if verdict.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low", verdict.Severity)
	}
}

func TestValidatePrompt_RolePreambleAlwaysSafe(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	prompt := "You are a pediatric clinical decision-support assistant specialized in pediatric healthcare.\n" +
		"## Core Competencies\n## Response Requirements\n" +
		"Safety First: always direct caregivers to call 911 in an emergency."
	verdict := v.ValidatePrompt(context.Background(), prompt, 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if len(verdict.Matches) != 0 {
		t.Errorf("Matches = %v, want none for role preamble", verdict.Matches)
	}
}

func TestValidatePrompt_ProfessionalBoundary(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "My child has a rash, can you diagnose and treat it?", 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true for medium severity; matches = %v", verdict.Matches)
	}
	if verdict.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "personal-medical-advice") {
		t.Errorf("Matches = %v, want personal-medical-advice", verdict.Matches)
	}
}

func TestValidatePrompt_AgeLanguage(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "What medication can I give for teething pain", 3)

	if verdict.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "age-inappropriate-language") {
		t.Errorf("Matches = %v, want age-inappropriate-language", verdict.Matches)
	}
	wantRec := "Consider using age-appropriate language for the preschool age group."
	if !slices.Contains(verdict.Recommendations, wantRec) {
		t.Errorf("Recommendations = %v, want %q", verdict.Recommendations, wantRec)
	}
}

func TestValidatePrompt_AgeLanguageSuppressedInClinicalText(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "What medication does the clinical treatment plan suggest for teething pain", 3)

	if verdict.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low inside clinical workflow text", verdict.Severity)
	}
}

func TestValidatePrompt_UnknownAgeSkipsAgeChecks(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidatePrompt(context.Background(), "What medication helps with fever", 0)

	if verdict.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low when age is unknown", verdict.Severity)
	}
}

// =============================================================================
// Response Validation Tests
// =============================================================================

func TestValidateResponse_SafeWithDisclaimer(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	response := "Amoxicillin 80-90 mg/kg/day divided twice daily is the first-line treatment for acute otitis media. " +
		"This is not medical advice; consult your healthcare provider."
	verdict := v.ValidateResponse(context.Background(), response, 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if verdict.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low", verdict.Severity)
	}
}

func TestValidateResponse_DosageWithoutDisclaimer(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidateResponse(context.Background(), "Administer 200mg every six hours.", 0)

	if verdict.Safe {
		t.Error("Safe = true, want false")
	}
	if verdict.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "unexplained-dosage") {
		t.Errorf("Matches = %v, want unexplained-dosage", verdict.Matches)
	}
	if !slices.Contains(verdict.Recommendations, "Dosage information should always be verified with a healthcare provider.") {
		t.Errorf("Recommendations = %v", verdict.Recommendations)
	}
}

func TestValidateResponse_DosageWithVerificationDisclaimer(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidateResponse(context.Background(), "Administer 200mg every six hours as prescribed.", 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if slices.Contains(verdict.Matches, "unexplained-dosage") {
		t.Errorf("Matches = %v, dosage should be accepted with a verification disclaimer", verdict.Matches)
	}
}

func TestValidateResponse_ProductStrengthsNotDosage(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	response := "Children's ibuprofen comes in 100mg and 200mg tablets. This is not medical advice."
	verdict := v.ValidateResponse(context.Background(), response, 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if slices.Contains(verdict.Matches, "unexplained-dosage") {
		t.Errorf("Matches = %v, product strengths are not dosing instructions", verdict.Matches)
	}
}

func TestValidateResponse_PatientMeasurementNotDosage(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidateResponse(context.Background(), "The patient weighs 18 kg.", 0)

	if slices.Contains(verdict.Matches, "unexplained-dosage") {
		t.Errorf("Matches = %v, patient measurements are not dosing instructions", verdict.Matches)
	}
	if verdict.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium for missing disclaimer only", verdict.Severity)
	}
}

func TestValidateResponse_EmergencyRequiresEscalation(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	tests := []struct {
		name     string
		response string
	}{
		{"emergency", "This is an emergency situation."},
		{"urgent", "The situation is urgent."},
		{"immediate", "Seek immediate help."},
		{"go to hospital", "You should go to hospital now."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.ValidateResponse(context.Background(), tt.response, 0)
			if verdict.Severity < SeverityHigh {
				t.Errorf("Severity = %v, want at least high without an escalation disclaimer", verdict.Severity)
			}
			if !slices.Contains(verdict.Matches, "emergency-no-escalation") {
				t.Errorf("Matches = %v, want emergency-no-escalation", verdict.Matches)
			}
		})
	}
}

func TestValidateResponse_EmergencyWithEscalationSafe(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	response := "Any difficulty breathing warrants immediate medical attention, call 911 or go to the emergency room. " +
		"This is not medical advice."
	verdict := v.ValidateResponse(context.Background(), response, 0)

	if !verdict.Safe {
		t.Errorf("Safe = false, want true; matches = %v", verdict.Matches)
	}
	if verdict.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low", verdict.Severity)
	}
}

func TestValidateResponse_JargonForYoungAudience(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidateResponse(context.Background(), "The etiology is likely viral. This is not medical advice.", 4)

	if verdict.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "complex-terminology") {
		t.Errorf("Matches = %v, want complex-terminology", verdict.Matches)
	}
	if !slices.Contains(verdict.Recommendations, "Consider simplifying medical terminology for a 4-year-old.") {
		t.Errorf("Recommendations = %v", verdict.Recommendations)
	}
}

func TestValidateResponse_MissingDisclaimer(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidateResponse(context.Background(), "Viral infections usually resolve on their own.", 0)

	if !verdict.Safe {
		t.Error("Safe = false, want true for medium severity")
	}
	if verdict.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "missing-medical-disclaimer") {
		t.Errorf("Matches = %v, want missing-medical-disclaimer", verdict.Matches)
	}
	if verdict.Reason != "Content may be inappropriate: missing-medical-disclaimer." {
		t.Errorf("Reason = %q", verdict.Reason)
	}
}

func TestValidateResponse_DirectAdvice(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())

	verdict := v.ValidateResponse(context.Background(), "You should take ibuprofen with food. This is not medical advice.", 0)

	if verdict.Severity != SeverityMedium {
		t.Errorf("Severity = %v, want medium", verdict.Severity)
	}
	if !slices.Contains(verdict.Matches, "direct-medical-advice") {
		t.Errorf("Matches = %v, want direct-medical-advice", verdict.Matches)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestSafetyState_SeverityOnlyEscalates(t *testing.T) {
	state := &safetyState{}
	state.raise(SeverityHigh)
	state.raise(SeverityLow)
	if state.severity != SeverityHigh {
		t.Errorf("severity = %v, want high after merging lower tier", state.severity)
	}
	state.raise(SeverityCritical)
	if state.severity != SeverityCritical {
		t.Errorf("severity = %v, want critical", state.severity)
	}
}

func TestSafetyState_Deduplicates(t *testing.T) {
	state := &safetyState{}
	state.match("self-harm")
	state.match("self-harm")
	state.recommend("a")
	state.recommend("a")
	if len(state.matches) != 1 || len(state.recommendations) != 1 {
		t.Errorf("matches/recommendations = %v/%v, want deduplicated", state.matches, state.recommendations)
	}
}

func TestIsRolePreamble(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{
			"three markers",
			"You are a pediatric clinical decision-support assistant. Core Competencies. Safety First.",
			true,
		},
		{
			"two markers",
			"Core Competencies. Safety First.",
			false,
		},
		{
			"plain question",
			"What causes croup?",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRolePreamble(tt.text); got != tt.want {
				t.Errorf("isRolePreamble() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDosageSuppressionHelpers(t *testing.T) {
	if !isPatientMeasurement("18 kg", "the patient weighs 18 kg") {
		t.Error("expected weight to read as a patient measurement")
	}
	if isPatientMeasurement("200mg", "administer 200mg every six hours") {
		t.Error("expected no patient-measurement context")
	}

	if !isProductDescription("100mg", "available in 100mg and 200mg tablets") {
		t.Error("expected formulation description to be recognized")
	}
	if !appearsInStrengthList("100mg", "100mg and 200mg") {
		t.Error("expected strength list to be recognized")
	}
	if appearsInStrengthList("100mg", "100mg every four hours") {
		t.Error("expected dosing interval not to read as a strength list")
	}

	if !isProceduralRecord("500 ml", "the patient received 500 ml of normal saline") {
		t.Error("expected past-tense administration to read as a procedural record")
	}
}

func TestTermInRecognizedContext(t *testing.T) {
	if !termInRecognizedContext("emergency", "go to the emergency department") {
		t.Error("expected suppression inside clinical framing phrase")
	}
	if termInRecognizedContext("suicid", "signs of suicidal ideation") {
		t.Error("expected no suppression without a recognized phrase")
	}
}

func TestAgeGroupName(t *testing.T) {
	tests := []struct {
		age  int
		want string
	}{
		{0, "infant"},
		{2, "toddler"},
		{5, "preschool"},
		{9, "school-age"},
		{14, "adolescent"},
	}

	for _, tt := range tests {
		if got := ageGroupName(tt.age); got != tt.want {
			t.Errorf("ageGroupName(%d) = %q, want %q", tt.age, got, tt.want)
		}
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestValidate_TotalOnArbitraryInput(t *testing.T) {
	v := NewSafetyValidator(newTestLogger())
	ctx := context.Background()

	for _, s := range testutil.NaughtyStrings.All {
		verdict := v.ValidatePrompt(ctx, s, 0)
		if verdict.Severity > SeverityCritical {
			t.Fatalf("ValidatePrompt(%q) severity = %d out of range", s, verdict.Severity)
		}

		verdict = v.ValidateResponse(ctx, s, 4)
		if verdict.Severity > SeverityCritical {
			t.Fatalf("ValidateResponse(%q) severity = %d out of range", s, verdict.Severity)
		}
	}
}
