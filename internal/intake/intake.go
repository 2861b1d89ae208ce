// Package intake computes daily water and sugar targets from a profile and
// the current weather. Rules are applied in a fixed order: age, activity,
// weather, health conditions, medications. Each rule fires at most once.
package intake

import (
	"fmt"
	"math"
	"strings"

	"github.com/chaz8081/sipwell/internal/profile"
	"github.com/chaz8081/sipwell/internal/weather"
)

const (
	BaseWaterLiters = 2.0
	MinWaterLiters  = 1.5
	MaxWaterLiters  = 2.5

	BaseSugarGrams = 25.0
	MinSugarGrams  = 10.0
	MaxSugarGrams  = 40.0
)

// Recommendation is a clamped target and the rules that produced it.
type Recommendation struct {
	Value   float64  `json:"value"`
	Unit    string   `json:"unit"`
	Factors []string `json:"factors"`
}

type adjustments struct {
	value   float64
	unit    string
	factors []string
}

func (a *adjustments) add(label string, delta float64) {
	a.value += delta
	a.factors = append(a.factors, fmt.Sprintf("%s: %+g %s", label, delta, a.unit))
}

func (a *adjustments) result(min, max float64) Recommendation {
	v := math.Round(a.value*100) / 100
	v = math.Max(min, math.Min(max, v))
	factors := a.factors
	if factors == nil {
		factors = []string{}
	}
	return Recommendation{Value: v, Unit: a.unit, Factors: factors}
}

// WaterIntake returns the daily water target in liters. w may be nil when
// the weather is unavailable.
func WaterIntake(w *weather.Reading, p profile.Record) Recommendation {
	a := adjustments{value: BaseWaterLiters, unit: "L"}

	if age, ok := p.AgeYears(); ok {
		switch {
		case age < 18:
			a.add("age under 18", -0.2)
		case age >= 65:
			a.add("age 65 and over", -0.2)
		case age >= 51:
			a.add("age 51 to 64", -0.1)
		}
	}

	switch normalize(p.ActivityLevel) {
	case profile.ActivityLight:
		a.add("light activity", 0.1)
	case profile.ActivityModerate:
		a.add("moderate activity", 0.2)
	case profile.ActivityActive:
		a.add("active lifestyle", 0.3)
	case profile.ActivityVeryActive:
		a.add("very active lifestyle", 0.4)
	}

	if w != nil {
		c := celsius(w.Temperature, w.TemperatureUnit)
		switch {
		case c >= 32:
			a.add(fmt.Sprintf("hot weather (%.1f°C)", c), 0.3)
		case c >= 28:
			a.add(fmt.Sprintf("warm weather (%.1f°C)", c), 0.2)
		}
		if w.Humidity >= 80 {
			a.add(fmt.Sprintf("high humidity (%.0f%%)", w.Humidity), 0.1)
		}
	}

	conds := conditions(p.HealthConditions)
	for _, r := range []struct {
		cond  string
		label string
		delta float64
	}{
		{condKidneyDisease, "kidney disease", -0.3},
		{condHeartFailure, "heart failure", -0.3},
		{condDiabetes, "diabetes", 0.2},
		{condUTI, "urinary tract infection", 0.2},
	} {
		if conds[r.cond] {
			a.add(r.label, r.delta)
		}
	}

	meds := medications(p.Medications)
	for _, r := range []struct {
		class string
		label string
		delta float64
	}{
		{medDiuretic, "diuretic medication", 0.2},
		{medLithium, "lithium", 0.2},
		{medLaxative, "laxative", 0.1},
	} {
		if meds[r.class] {
			a.add(r.label, r.delta)
		}
	}

	return a.result(MinWaterLiters, MaxWaterLiters)
}

// SugarIntake returns the daily added-sugar limit in grams.
func SugarIntake(p profile.Record) Recommendation {
	a := adjustments{value: BaseSugarGrams, unit: "g"}

	if age, ok := p.AgeYears(); ok {
		switch {
		case age < 18:
			a.add("age under 18", -5)
		case age >= 65:
			a.add("age 65 and over", -5)
		}
	}

	switch normalize(p.ActivityLevel) {
	case profile.ActivityActive:
		a.add("active lifestyle", 5)
	case profile.ActivityVeryActive:
		a.add("very active lifestyle", 10)
	}

	conds := conditions(p.HealthConditions)
	for _, r := range []struct {
		cond  string
		label string
		delta float64
	}{
		{condDiabetes, "diabetes", -15},
		{condPrediabetes, "prediabetes", -10},
		{condObesity, "obesity", -10},
		{condHeartDisease, "heart disease", -5},
		{condFattyLiver, "fatty liver", -5},
	} {
		if conds[r.cond] {
			a.add(r.label, r.delta)
		}
	}

	meds := medications(p.Medications)
	for _, r := range []struct {
		class string
		label string
		delta float64
	}{
		{medCorticosteroid, "corticosteroid", -5},
		{medAntipsychotic, "antipsychotic", -5},
	} {
		if meds[r.class] {
			a.add(r.label, r.delta)
		}
	}

	return a.result(MinSugarGrams, MaxSugarGrams)
}

func celsius(v float64, unit string) float64 {
	u := strings.ToLower(unit)
	if strings.Contains(u, "f") && !strings.Contains(u, "c") {
		return (v - 32) * 5 / 9
	}
	return v
}

// normalize lowercases s and folds separators so "Very Active",
// "very-active" and "very_active" compare equal.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}
