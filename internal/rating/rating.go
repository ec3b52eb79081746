// Package rating grades a symbol's estimated APR and tracks how long it
// has stayed in the top grade.
package rating

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Grade string

const (
	GradeS Grade = "S"
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"

	TopGrade = GradeS
)

type threshold struct {
	minAPR decimal.Decimal
	grade  Grade
	score  int
}

var thresholds = []threshold{
	{decimal.NewFromInt(500), GradeS, 95},
	{decimal.NewFromInt(300), GradeA, 85},
	{decimal.NewFromInt(150), GradeB, 75},
	{decimal.NewFromInt(50), GradeC, 60},
}

var (
	highFrequency = decimal.NewFromInt(50)
	lowFrequency  = decimal.NewFromInt(5)
	highVolume    = decimal.NewFromInt(10_000_000)
	lowVolume     = decimal.NewFromInt(500_000)
)

// Rating is the grade and 0..100 score of one evaluation.
type Rating struct {
	Grade Grade
	Score int
}

// Evaluate grades apr (percent) and adjusts the base score by cycle
// frequency and 24h quote volume.
func Evaluate(apr, cyclesPerHour, volume24h decimal.Decimal) Rating {
	r := Rating{Grade: GradeD, Score: 40}
	for _, th := range thresholds {
		if apr.GreaterThanOrEqual(th.minAPR) {
			r = Rating{Grade: th.grade, Score: th.score}
			break
		}
	}

	switch {
	case cyclesPerHour.GreaterThan(highFrequency):
		r.Score += 5
	case cyclesPerHour.LessThan(lowFrequency):
		r.Score -= 10
	}
	switch {
	case volume24h.GreaterThanOrEqual(highVolume):
		r.Score += 5
	case volume24h.LessThan(lowVolume):
		r.Score -= 10
	}
	r.Score = min(max(r.Score, 0), 100)
	return r
}

// Transition reports what a Tracker update changed.
type Transition struct {
	Grade     Grade
	Entered   bool          // just entered the top grade
	Exited    bool          // just left the top grade
	Residency time.Duration // current residency, or the final one when Exited
}

// Tracker holds the top-grade residency of one symbol.
type Tracker struct {
	grade     Grade
	enteredAt time.Time
	inTop     bool
	residency time.Duration
}

// Update records the latest grade. Residency is always recomputed from
// the entry time.
func (t *Tracker) Update(g Grade, now time.Time) Transition {
	tr := Transition{Grade: g}
	switch {
	case g == TopGrade && !t.inTop:
		t.inTop = true
		t.enteredAt = now
		t.residency = 0
		tr.Entered = true
	case g == TopGrade:
		t.residency = now.Sub(t.enteredAt)
		tr.Residency = t.residency
	case t.inTop:
		tr.Exited = true
		tr.Residency = now.Sub(t.enteredAt)
		t.inTop = false
		t.enteredAt = time.Time{}
		t.residency = 0
	}
	t.grade = g
	return tr
}

func (t *Tracker) Grade() Grade { return t.grade }

// Residency returns the current top-grade residency; ok is false when the
// symbol is not in the top grade.
func (t *Tracker) Residency() (time.Duration, bool) {
	return t.residency, t.inTop
}

// EnteredAt is the time the current top-grade streak started.
func (t *Tracker) EnteredAt() (time.Time, bool) {
	return t.enteredAt, t.inTop
}

// FormatResidency renders a residency for display: "--" when not in the
// top grade, seconds under a minute, otherwise days/hours/minutes.
func FormatResidency(d time.Duration, ok bool) string {
	if !ok {
		return "--"
	}
	if d < time.Minute {
		return fmt.Sprintf("%dS", int(d/time.Second))
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	return fmt.Sprintf("%dD/%dH/%dM", days, hours, minutes)
}
