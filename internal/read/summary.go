// Package read holds the per-read state the driver accumulates across
// the train-then-decode pipeline (§3 "Fast5 Summary").
package read

import (
	"github.com/kshedden/nanocall/internal/event"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/transitions"
)

// ModelKey names one candidate pore model a read was fit against.
type ModelKey string

// EventLoader is the out-of-scope external collaborator that turns a raw
// event file on disk into per-strand event sequences. The binary
// fast5/event-file format itself is not this module's concern (§1);
// only the interface the core consumes is.
type EventLoader interface {
	LoadEvents(strand event.Strand) (event.Sequence, error)
}

// Summary is one read's working state: identity, per-strand event
// counts, and the fitted parameters for every candidate model it was
// trained against.
type Summary struct {
	ReadID   string
	FilePath string

	NumEvents [2]int

	PMParams map[ModelKey]model.Params
	STParams map[ModelKey][2]transitions.Params

	// PreferredModel[strand] is set by model selection (§4.8) when
	// one candidate's fit clearly dominates; "" means ambiguous, and the
	// driver tries every candidate with fitted parameters at decode time.
	PreferredModel [2]string

	TrainingRounds int
	LogLik         float64

	loader       EventLoader
	loadedEvents [2]event.Sequence
}

// New returns an empty Summary backed by loader.
func New(readID, filePath string, loader EventLoader) *Summary {
	return &Summary{
		ReadID:   readID,
		FilePath: filePath,
		PMParams: make(map[ModelKey]model.Params),
		STParams: make(map[ModelKey][2]transitions.Params),
		loader:   loader,
	}
}

// LoadEvents materializes strand's events (§5: "materialised on
// entry"), caching the result for subsequent calls within the same read.
func (s *Summary) LoadEvents(strand event.Strand) (event.Sequence, error) {
	idx := strandIndex(strand)
	if s.loadedEvents[idx] != nil {
		return s.loadedEvents[idx], nil
	}
	e, err := s.loader.LoadEvents(strand)
	if err != nil {
		return nil, err
	}
	s.loadedEvents[idx] = e
	s.NumEvents[idx] = len(e)
	return e, nil
}

// DropEvents releases both strands' materialized events (§3
// "Lifecycle", §5: "released on exit to bound memory").
func (s *Summary) DropEvents() {
	s.loadedEvents[0] = nil
	s.loadedEvents[1] = nil
}

func strandIndex(st event.Strand) int {
	if st == event.Complement {
		return 1
	}
	return 0
}
