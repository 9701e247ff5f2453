package detection

import (
	"time"

	"github.com/V1ncenttt/aki-devops/internal/domain/records"
)

// PatientAttrs are the demographic inputs to the rule. Either field
// may be unknown.
type PatientAttrs struct {
	Age *int
	Sex *string
}

// Verdict is the detection outcome for one lab result. Its Key is the
// alert idempotency key: the same (patient, timestamp, rule version)
// can never page twice.
type Verdict struct {
	MRN          string
	TakenAt      time.Time
	AKI          bool
	Score        float64
	ModelVersion string
}

// Key identifies the logically unique alert for this verdict.
type Key struct {
	MRN          string
	TakenAt      time.Time
	ModelVersion string
}

func (v Verdict) Key() Key {
	return Key{MRN: v.MRN, TakenAt: v.TakenAt, ModelVersion: v.ModelVersion}
}

// Detector applies a frozen rule artifact. It performs no I/O and
// never mutates its inputs, so identical calls return bit-identical
// verdicts.
type Detector struct {
	artifact Artifact
}

func NewDetector(artifact Artifact) *Detector {
	return &Detector{artifact: artifact}
}

// Version returns the loaded artifact's version tag.
func (d *Detector) Version() string {
	return d.artifact.Version
}

// Detect evaluates a new measurement against the patient's history.
//
// The baseline is the minimum value observed within the lookback
// window before the new measurement, the measurement itself excluded.
// Without any prior value in the window the population upper reference
// bound for the patient's age and sex stands in. The verdict is
// positive when value/baseline reaches the threshold ratio; the score
// is value/baseline scaled so the threshold sits at exactly 0.5,
// clamped to [0, 1].
func (d *Detector) Detect(history []records.Measurement, m records.Measurement, attrs PatientAttrs) Verdict {
	baseline := d.baseline(history, m, attrs)

	ratio := 0.0
	if baseline > 0 {
		ratio = m.Value / baseline
	}

	score := ratio / (2 * d.artifact.ThresholdRatio)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	return Verdict{
		MRN:          m.MRN,
		TakenAt:      m.TakenAt,
		AKI:          ratio >= d.artifact.ThresholdRatio,
		Score:        score,
		ModelVersion: d.artifact.Version,
	}
}

func (d *Detector) baseline(history []records.Measurement, m records.Measurement, attrs PatientAttrs) float64 {
	windowStart := m.TakenAt.Add(-time.Duration(d.artifact.LookbackHours) * time.Hour)

	min := 0.0
	for _, h := range history {
		if h.TakenAt.Equal(m.TakenAt) {
			continue
		}
		if h.TakenAt.Before(windowStart) || h.TakenAt.After(m.TakenAt) {
			continue
		}
		if min == 0 || h.Value < min {
			min = h.Value
		}
	}
	if min > 0 {
		return min
	}
	return d.artifact.referenceUpper(attrs)
}
