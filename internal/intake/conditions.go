package intake

import "strings"

const (
	condKidneyDisease = "kidney_disease"
	condHeartFailure  = "heart_failure"
	condDiabetes      = "diabetes"
	condPrediabetes   = "prediabetes"
	condUTI           = "urinary_tract_infection"
	condObesity       = "obesity"
	condHeartDisease  = "heart_disease"
	condFattyLiver    = "fatty_liver"
)

var conditionAliases = map[string]string{
	"kidney_disease":            condKidneyDisease,
	"chronic_kidney_disease":    condKidneyDisease,
	"ckd":                       condKidneyDisease,
	"heart_failure":             condHeartFailure,
	"congestive_heart_failure":  condHeartFailure,
	"diabetes":                  condDiabetes,
	"type_1_diabetes":           condDiabetes,
	"type_2_diabetes":           condDiabetes,
	"prediabetes":               condPrediabetes,
	"pre_diabetes":              condPrediabetes,
	"urinary_tract_infection":   condUTI,
	"uti":                       condUTI,
	"obesity":                   condObesity,
	"heart_disease":             condHeartDisease,
	"coronary_artery_disease":   condHeartDisease,
	"fatty_liver":               condFattyLiver,
	"fatty_liver_disease":       condFattyLiver,
	"non_alcoholic_fatty_liver": condFattyLiver,
	"nafld":                     condFattyLiver,
}

// conditions maps free-form condition names to the canonical set.
// Unrecognized entries are ignored.
func conditions(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, c := range in {
		if canon, ok := conditionAliases[normalize(c)]; ok {
			out[canon] = true
		}
	}
	return out
}

const (
	medDiuretic       = "diuretic"
	medLithium        = "lithium"
	medLaxative       = "laxative"
	medCorticosteroid = "corticosteroid"
	medAntipsychotic  = "antipsychotic"
)

// medicationKeywords matches a class name or a common drug of that class
// anywhere in the entry, so "Furosemide 40mg" counts as a diuretic.
var medicationKeywords = map[string][]string{
	medDiuretic:       {"diuretic", "furosemide", "hydrochlorothiazide", "spironolactone", "bumetanide"},
	medLithium:        {"lithium"},
	medLaxative:       {"laxative", "bisacodyl", "senna", "lactulose", "polyethylene_glycol"},
	medCorticosteroid: {"corticosteroid", "prednisone", "prednisolone", "dexamethasone", "hydrocortisone"},
	medAntipsychotic:  {"antipsychotic", "olanzapine", "clozapine", "quetiapine", "risperidone"},
}

func medications(in []string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range in {
		n := normalize(m)
		for class, words := range medicationKeywords {
			for _, w := range words {
				if strings.Contains(n, w) {
					out[class] = true
					break
				}
			}
		}
	}
	return out
}
