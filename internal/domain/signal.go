package domain

import (
	"time"
)

// SignalKind identifies the category of an inbound observation.
type SignalKind string

const (
	KindAttendance SignalKind = "attendance"
	KindGrade      SignalKind = "grade"
	KindFee        SignalKind = "fee"
	KindSentiment  SignalKind = "sentiment"
	KindPredicted  SignalKind = "predicted"
)

// Kinds lists every valid signal kind.
var Kinds = []SignalKind{KindAttendance, KindGrade, KindFee, KindSentiment, KindPredicted}

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	switch k {
	case KindAttendance, KindGrade, KindFee, KindSentiment, KindPredicted:
		return true
	}
	return false
}

// ValueRange returns the inclusive value domain for a signal kind.
// Attendance, grade, fee and predicted are percentages; sentiment is a
// normalized polarity score.
func (k SignalKind) ValueRange() (min, max float64) {
	if k == KindSentiment {
		return -1, 1
	}
	return 0, 100
}

// Signal is a canonical, immutable observation about one student.
// The signal log is append-only and ordered by ObservedAt per
// (studentId, kind); assessments and alerts are derived from it.
type Signal struct {
	ID        string     `json:"id"`
	StudentID string     `json:"studentId"`
	Kind      SignalKind `json:"kind"`
	Value     float64    `json:"value"`

	// Confidence is only meaningful for predicted signals (0.0-1.0).
	// Observed signals carry 1.0.
	Confidence float64 `json:"confidence,omitempty"`

	ObservedAt time.Time `json:"observedAt"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recordedAt"`
}

// SignalRequest is the API payload for POST /signals.
type SignalRequest struct {
	StudentID  string    `json:"studentId"`
	Kind       string    `json:"kind"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
	Source     string    `json:"source,omitempty"`
}
