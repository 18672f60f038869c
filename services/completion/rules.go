package completion

import (
	"regexp"
	"strings"
)

// safetyRule is one pattern category. Each match raises the running severity
// unless the suppress predicate accepts the matched term in context.
type safetyRule struct {
	id             string
	pattern        *regexp.Regexp
	severity       Severity
	suppress       func(term, text string) bool
	recommendation string
}

const (
	dangerousContentRec     = "This request may involve serious medical concerns. Please consult emergency services."
	pediatricSafetyRec      = "This request involves pediatric safety concerns."
	professionalBoundaryRec = "Please maintain professional boundaries. This tool provides general information only."
	medicalEmergencyRec     = "This appears to be a medical emergency. Please call 911 or go to the nearest emergency room."
	directAdviceRec         = "Response contains medical advice. Ensure appropriate disclaimers are included."
	emergencyDisclaimerRec  = "Response discusses emergency situations but lacks appropriate disclaimers."
	missingDisclaimerRec    = "Response should include appropriate medical disclaimers."
	verifyDosageRec         = "Dosage information should always be verified with a healthcare provider."
	dosageDisclaimerRec     = "Include disclaimer that dosages must be confirmed by a medical professional."
)

// dangerousRules flag content that needs escalation rather than a completion.
// Matches inside recognized escalation or clinical phrasing are suppressed so
// safety boilerplate does not flag itself.
var dangerousRules = []safetyRule{
	{
		id:             "self-harm",
		pattern:        regexp.MustCompile(`(?i)\b(suicid|self.?harm|self.?injur|cutting|overdose)`),
		severity:       SeverityHigh,
		suppress:       termInRecognizedContext,
		recommendation: dangerousContentRec,
	},
	{
		id:             "substance-misuse",
		pattern:        regexp.MustCompile(`(?i)\b(abus|misus|recreational|street.?drug|illegal.?drug)`),
		severity:       SeverityHigh,
		suppress:       termInRecognizedContext,
		recommendation: dangerousContentRec,
	},
	{
		id:             "emergency-language",
		pattern:        regexp.MustCompile(`(?i)\b(emergency|911|call.?911|urgent|life.?threatening)`),
		severity:       SeverityHigh,
		suppress:       termInRecognizedContext,
		recommendation: dangerousContentRec,
	},
	{
		id:             "controlled-substance",
		pattern:        regexp.MustCompile(`(?i)\b(narcotic|opioid|benzodiazepine|controlled.?substance)`),
		severity:       SeverityHigh,
		suppress:       termInRecognizedContext,
		recommendation: dangerousContentRec,
	},
	{
		id:             "no-context-prescribing",
		pattern:        regexp.MustCompile(`(?i)\b(diagnos|treat|prescribe|medication).*(?:without|no.?context)`),
		severity:       SeverityHigh,
		suppress:       termInRecognizedContext,
		recommendation: dangerousContentRec,
	},
}

// pediatricRules flag content inappropriate for a pediatric audience.
var pediatricRules = []safetyRule{
	{
		id:             "adult-content",
		pattern:        regexp.MustCompile(`(?i)\b(adult.?content|explicit|mature.?content)`),
		severity:       SeverityMedium,
		recommendation: pediatricSafetyRec,
	},
	{
		id:             "child-safety",
		pattern:        regexp.MustCompile(`(?i)\b(child.?abuse|neglect|maltreatment)`),
		severity:       SeverityMedium,
		recommendation: pediatricSafetyRec,
	},
	{
		id:             "adult-dosing-for-child",
		pattern:        regexp.MustCompile(`(?i)\b(adult.?dose|adult.?medication).*(?:child|infant|pediatric)`),
		severity:       SeverityMedium,
		recommendation: pediatricSafetyRec,
	},
}

// boundaryRules flag requests for individual medical advice or personal data.
var boundaryRules = []safetyRule{
	{
		id:             "personal-medical-advice",
		pattern:        regexp.MustCompile(`(?i)\b(my.?child|my.?kid|my.?baby).*(?:diagnos|treat|prescribe)`),
		severity:       SeverityMedium,
		recommendation: professionalBoundaryRec,
	},
	{
		id:             "patient-data-solicitation",
		pattern:        regexp.MustCompile(`(?i)\b(your.?child|your.?kid).*(?:medical.?history|symptoms)`),
		severity:       SeverityMedium,
		recommendation: professionalBoundaryRec,
	},
	{
		id:             "personal-information",
		pattern:        regexp.MustCompile(`(?i)\b(personal.?information|private.?information|contact.?information)`),
		severity:       SeverityMedium,
		recommendation: professionalBoundaryRec,
	},
}

// emergencyRule escalates content that describes a live emergency.
var emergencyRule = safetyRule{
	id:             "medical-emergency",
	pattern:        regexp.MustCompile(`(?i)(call 911|emergency room|urgent care|life threatening|severe allergic reaction|difficulty breathing|unconscious|severe bleeding|chest pain|seizure)`),
	severity:       SeverityCritical,
	recommendation: medicalEmergencyRec,
}

// adviceRules flag imperative medical instruction in generated output.
var adviceRules = []safetyRule{
	{
		id:             "direct-medical-advice",
		pattern:        regexp.MustCompile(`(?i)\b(should|must|need to|have to).*(?:take|use|try)`),
		severity:       SeverityMedium,
		recommendation: directAdviceRec,
	},
	{
		id:             "direct-medical-advice",
		pattern:        regexp.MustCompile(`(?i)\b(recommend|suggest|advise).*(?:medication|treatment)`),
		severity:       SeverityMedium,
		recommendation: directAdviceRec,
	},
	{
		id:             "direct-medical-advice",
		pattern:        regexp.MustCompile(`(?i)\b(dose|dosage|prescription).*(?:mg|ml|times)`),
		severity:       SeverityMedium,
		recommendation: directAdviceRec,
	},
}

// promptRules run against outgoing prompts in order.
var promptRules = append(append(append(append([]safetyRule{}, dangerousRules...), pediatricRules...), boundaryRules...), emergencyRule)

// responseRules run against backend output. Dosage and disclaimer checks are
// separate steps in the validator; they key on quantity-unit pairs or on the
// absence of text rather than on a pattern match.
var responseRules = append(append([]safetyRule{}, dangerousRules...), adviceRules...)

// dosagePattern extracts quantity-unit pairs in both spaced and unspaced
// forms.
var dosagePattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(mg|ml|g|kg|lbs|ounces?)\b`)

// preambleMarkers identify the application's own role instructions, which
// deliberately discuss emergencies and escalation.
var preambleMarkers = []string{
	"You are a pediatric clinical decision-support assistant",
	"specialized in pediatric healthcare",
	"Core Competencies",
	"Response Requirements",
	"Safety First",
}

// escalationContexts name emergency services as the recommended action.
var escalationContexts = []string{
	"immediate medical attention",
	"emergency care",
	"delay emergency",
	"medical attention required",
	"when to escalate care",
	"call 911",
	"emergency room",
}

// clinicalFramingContexts frame emergency language as subject matter rather
// than a live emergency.
var clinicalFramingContexts = []string{
	"medical emergency",
	"emergency situations",
	"emergency services",
	"emergency department",
	"life threatening",
	"urgent medical",
}

// adultCareTerms are flagged for young audiences outside clinical workflow
// text.
var adultCareTerms = []string{"medication", "diagnosis", "treatment", "prescription"}

// complexClinicalTerms are flagged in responses aimed at young audiences.
var complexClinicalTerms = []string{"pathophysiology", "etiology", "prognosis", "diagnosis"}

// treatmentContextIndicators mark text as clinical workflow content where
// medical terminology is expected. Deliberately disjoint from adultCareTerms
// so the age check can still fire.
var treatmentContextIndicators = []string{
	"treatment plan",
	"prescribed",
	"therapy",
	"clinical",
	"therapeutic",
	"healthcare",
	"pediatrician",
	"physician",
	"doctor",
}

// patientMeasurementContexts mark quantity-unit pairs as patient data rather
// than dosing instructions.
var patientMeasurementContexts = []string{
	"weighs", "weight", "height", "tall", "length", "patient weighs",
	"blood pressure", "bp", "heart rate", "hr", "temperature", "temp",
	"respiratory rate", "rr", "oxygen saturation", "spo2", "vitals",
}

// productDescriptionContexts mark quantity-unit pairs as formulation or
// strength descriptions.
var productDescriptionContexts = []string{
	"comes in", "available in", "formulated as", "tablets of", "capsules of",
	"strengths of", "concentration", "preparation", "formulation",
	"available as", "supplied as", "provided as", "manufactured as",
	"packaged as",
}

// descriptiveIndicators mark a sentence as describing a product rather than
// instructing administration.
var descriptiveIndicators = []string{
	"available", "comes", "formulated", "manufactured", "supplied",
	"packaged", "prepared", "compounded", "produced",
}

// proceduralPhrases mark quantity-unit pairs as documentation of care already
// delivered.
var proceduralPhrases = []string{
	"received", "was administered", "was given", "was infused", "was injected",
	"during the procedure", "post procedure", "pre operative", "intraoperative",
	"normal saline", "ringer's lactate", "dextrose", "lactated ringer's",
	"fluid resuscitation", "fluid therapy", "iv fluids",
}

// pastTenseAdministration distinguishes records of care from instructions.
var pastTenseAdministration = []string{
	"received", "administered", "given", "infused", "injected", "transfused",
}

// clinicalTreatmentTerms mark a response as legitimate clinical treatment
// content where dosage figures are expected.
var clinicalTreatmentTerms = []string{
	"treatment", "therapy", "medication", "prescribed", "dosage", "dosing",
	"administered", "given", "recommended", "indicated", "therapeutic",
	"clinical", "medical", "healthcare", "pediatric", "diagnosis", "doctor",
	"physician", "pediatrician",
}

// emergencyResponseTerms require an escalation disclaimer when present in a
// response.
var emergencyResponseTerms = []string{
	"emergency", "urgent", "immediate", "call 911", "go to hospital",
}

// escalationDisclaimers direct the reader to emergency services.
var escalationDisclaimers = []string{
	"call 911", "emergency room", "immediate medical attention",
	"seek emergency care", "contact emergency services",
}

// medicalDisclaimers mark a response as carrying a general medical
// disclaimer.
var medicalDisclaimers = []string{
	"not medical advice", "consult your doctor", "healthcare provider",
	"medical professional", "not a substitute", "informational purposes only",
}

// dosageDisclaimers mark a response as directing dosage verification to a
// clinician.
var dosageDisclaimers = []string{
	"dosage should be verified", "dose must be confirmed",
	"dosage by healthcare provider", "prescribed by doctor",
	"under medical supervision", "professional dosage", "recommended dose",
	"as prescribed", "per physician", "according to doctor",
}

// termInRecognizedContext reports whether a flagged term appears within a
// phrase that names emergency services as the recommended action or frames
// the term as clinical subject matter.
func termInRecognizedContext(term, text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range escalationContexts {
		if strings.Contains(lower, phrase) && strings.Contains(phrase, term) {
			return true
		}
	}
	for _, phrase := range clinicalFramingContexts {
		if strings.Contains(lower, phrase) && strings.Contains(phrase, term) {
			return true
		}
	}
	return false
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// ageGroupName maps a patient age in years to its developmental band.
func ageGroupName(age int) string {
	switch {
	case age < 1:
		return "infant"
	case age < 3:
		return "toddler"
	case age < 6:
		return "preschool"
	case age < 13:
		return "school-age"
	default:
		return "adolescent"
	}
}
