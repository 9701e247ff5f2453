// Package detection decides whether a new creatinine result indicates
// acute kidney injury. The decision rule is a frozen, versioned
// artifact loaded once at startup; detection itself is a pure function
// over (history, new measurement, patient attributes).
package detection

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReferenceRange is a population creatinine band used as the baseline
// when a patient has no prior history inside the lookback window.
// Sex is "M", "F", or "" for the catch-all band.
type ReferenceRange struct {
	Sex    string  `json:"sex"`
	MinAge int     `json:"min_age"`
	MaxAge int     `json:"max_age"`
	Upper  float64 `json:"upper"`
}

// Artifact holds the frozen rule parameters. The version travels on
// every Verdict so downstream consumers stay stable across rule
// updates.
type Artifact struct {
	Version        string           `json:"version"`
	ThresholdRatio float64          `json:"threshold_ratio"`
	LookbackHours  int              `json:"lookback_hours"`
	Ranges         []ReferenceRange `json:"reference_ranges"`
}

// DefaultArtifact is the shipped NHS-style ratio rule: positive when
// the new value reaches 1.5x the 48-hour minimum, with adult serum
// creatinine upper bounds (mg/dL) as the no-history fallback.
func DefaultArtifact() Artifact {
	return Artifact{
		Version:        "nhs-ratio-v2",
		ThresholdRatio: 1.5,
		LookbackHours:  48,
		Ranges: []ReferenceRange{
			{Sex: "M", MinAge: 0, MaxAge: 17, Upper: 1.0},
			{Sex: "F", MinAge: 0, MaxAge: 17, Upper: 1.0},
			{Sex: "M", MinAge: 18, MaxAge: 200, Upper: 1.3},
			{Sex: "F", MinAge: 18, MaxAge: 200, Upper: 1.1},
			{Sex: "", MinAge: 0, MaxAge: 200, Upper: 1.3},
		},
	}
}

// LoadArtifact reads a rule artifact from a JSON file and validates it.
func LoadArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("detection: read artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("detection: parse artifact %s: %w", path, err)
	}
	if err := a.validate(); err != nil {
		return Artifact{}, fmt.Errorf("detection: artifact %s: %w", path, err)
	}
	return a, nil
}

func (a Artifact) validate() error {
	if a.Version == "" {
		return fmt.Errorf("version is required")
	}
	if a.ThresholdRatio <= 1 {
		return fmt.Errorf("threshold_ratio must be > 1, got %v", a.ThresholdRatio)
	}
	if a.LookbackHours <= 0 {
		return fmt.Errorf("lookback_hours must be positive, got %d", a.LookbackHours)
	}
	if len(a.Ranges) == 0 {
		return fmt.Errorf("at least one reference range is required")
	}
	for _, r := range a.Ranges {
		if r.Upper <= 0 {
			return fmt.Errorf("reference range upper bound must be positive, got %v", r.Upper)
		}
		if r.MinAge > r.MaxAge {
			return fmt.Errorf("reference range ages inverted: %d > %d", r.MinAge, r.MaxAge)
		}
	}
	return nil
}

const adultAge = 18

// referenceUpper picks the population baseline for the given
// attributes. A patient with unknown age gets the adult band for their
// sex; unknown sex gets the catch-all band (empty sex).
func (a Artifact) referenceUpper(attrs PatientAttrs) float64 {
	var fallback float64
	for _, r := range a.Ranges {
		if r.Sex == "" {
			if fallback == 0 {
				fallback = r.Upper
			}
			continue
		}
		if attrs.Sex == nil || *attrs.Sex != r.Sex {
			continue
		}
		if attrs.Age == nil {
			if r.MaxAge >= adultAge {
				return r.Upper
			}
			continue
		}
		if *attrs.Age >= r.MinAge && *attrs.Age <= r.MaxAge {
			return r.Upper
		}
	}
	if fallback > 0 {
		return fallback
	}
	return a.Ranges[len(a.Ranges)-1].Upper
}
