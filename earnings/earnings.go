// Package earnings aggregates a teacher's settled income and review
// standing into the dashboard summary. All figures derive from settlement
// records, never from live session state, so the numbers are stable once
// read.
package earnings

import (
	"math"

	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/settlement"
	"github.com/murphlabs/tally/types"
)

// Summary is a teacher's aggregate over a settlement window. Credible
// reviews are the subset that clears the credibility bar; AverageStars
// weighs only those, so a flood of drive-by ratings cannot move it.
type Summary struct {
	TeacherID        string      `json:"teacher_id"`
	Sessions         int         `json:"sessions"`
	UniqueStudents   int         `json:"unique_students"`
	BillableSeconds  int64       `json:"billable_seconds"`
	TotalEarned      types.Money `json:"total_earned"`
	PendingPayout    types.Money `json:"pending_payout"`
	AverageMinutes   float64     `json:"average_minutes"`
	AverageStars     float64     `json:"average_stars"`
	TotalReviews     int         `json:"total_reviews"`
	CredibleReviews  int         `json:"credible_reviews"`
	QualityMultiplier float64    `json:"quality_multiplier"`
}

// Compute folds settlement records and reviews into a Summary. A nil or
// empty record set yields a zero summary with the teacher ID filled in.
func Compute(teacherID string, records []*settlement.Record, reviews []*review.Review) *Summary {
	s := &Summary{TeacherID: teacherID, QualityMultiplier: 1.0}
	if len(records) == 0 && len(reviews) == 0 {
		return s
	}

	students := make(map[string]struct{})
	var earned, pending types.Money
	for _, rec := range records {
		s.Sessions++
		s.BillableSeconds += rec.BillableSeconds
		students[rec.StudentID] = struct{}{}
		if earned.Currency == "" {
			earned = types.Zero(rec.AmountCharged.Currency)
			pending = types.Zero(rec.AmountCharged.Currency)
		}
		earned = earned.Add(rec.AmountCharged)
		if !rec.TeacherPaid {
			pending = pending.Add(rec.AmountCharged)
		}
	}
	s.UniqueStudents = len(students)
	s.TotalEarned = earned
	s.PendingPayout = pending
	if s.Sessions > 0 {
		s.AverageMinutes = math.Round(float64(s.BillableSeconds)/float64(s.Sessions)/60*100) / 100
	}

	var starSum int
	for _, r := range reviews {
		s.TotalReviews++
		if !r.Credible() {
			continue
		}
		s.CredibleReviews++
		starSum += r.Stars
	}
	if s.CredibleReviews > 0 {
		s.AverageStars = math.Round(float64(starSum)/float64(s.CredibleReviews)*100) / 100
	}

	s.QualityMultiplier = QualityMultiplier(s.AverageStars, s.CredibleReviews)
	return s
}

// QualityMultiplier maps review standing onto a payout-rate multiplier
// surfaced on the dashboard. It needs a minimum body of credible reviews
// before it moves off neutral in either direction.
func QualityMultiplier(avgStars float64, credibleReviews int) float64 {
	if credibleReviews < 5 {
		return 1.0
	}
	switch {
	case avgStars >= 4.5:
		return 1.2
	case avgStars >= 4.0:
		return 1.1
	case avgStars >= 3.0:
		return 1.0
	case avgStars >= 2.0:
		return 0.9
	default:
		return 0.8
	}
}
