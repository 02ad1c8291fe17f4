// Package event holds the per-read event stream the HMM is conditioned on.
package event

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Strand identifies which strand an event sequence belongs to.
type Strand uint8

const (
	Template Strand = iota
	Complement
	Both
)

// Event is one measured current segment. It is immutable once constructed
// except for the drift correction applied to Mean by ApplyDriftCorrection.
type Event struct {
	Mean      float64
	Stdv      float64
	LogStdv   float64
	StartTime float64
	Length    float64
}

// New constructs an Event, precomputing LogStdv.
func New(mean, stdv, startTime, length float64) Event {
	return Event{Mean: mean, Stdv: stdv, LogStdv: math.Log(stdv), StartTime: startTime, Length: length}
}

// Sequence is an ordered, finite sequence of events for one strand of one read.
type Sequence []Event

// ApplyDriftCorrection subtracts drift*(start_time - t0) from every
// event's Mean, where t0 is the start time of the first event. No other
// field is touched.
func (s Sequence) ApplyDriftCorrection(drift float64) {
	if len(s) == 0 {
		return
	}
	t0 := s[0].StartTime
	for i := range s {
		s[i].Mean -= drift * (s[i].StartTime - t0)
	}
}

// DriftCorrected returns a copy of s with ApplyDriftCorrection(drift)
// applied, leaving s itself untouched. A zero drift or empty sequence
// returns s unchanged with no allocation.
func (s Sequence) DriftCorrected(drift float64) Sequence {
	if drift == 0 || len(s) == 0 {
		return s
	}
	c := make(Sequence, len(s))
	copy(c, s)
	c.ApplyDriftCorrection(drift)
	return c
}

// MeanStdv returns the mean and standard deviation of the sequence's
// Mean values, used for the per-read sanity check (§4.9.a, §4.9.f).
func (s Sequence) MeanStdv() (mean, stdv float64) {
	if len(s) == 0 {
		return 0, 0
	}
	means := make([]float64, len(s))
	for i, e := range s {
		means[i] = e.Mean
	}
	mean = stat.Mean(means, nil)
	stdv = stat.StdDev(means, nil)
	return mean, stdv
}
