package race

import (
	"errors"

	"github.com/horsepicks/race-engine/internal/model"
)

// ErrNotIdle is returned when starting a race that is not Idle.
var ErrNotIdle = errors.New("race: race already started")

// Phase is the race lifecycle: Idle → Running → Finished → Settled.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseFinished
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseFinished:
		return "finished"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// NoWinner is the Winner value before a race finishes.
const NoWinner = -1

// State is an immutable snapshot of one race. Transitions return a new
// State; the receiver and its Positions slice are never modified.
type State struct {
	Phase     Phase     `json:"phase"`
	Positions []float64 `json:"positions"`
	Winner    int       `json:"winner"` // index into the field, NoWinner until finished
	Ticks     int       `json:"ticks"`
}

// NewState returns an Idle race for n entrants, all at the start line.
func NewState(n int) State {
	return State{
		Phase:     PhaseIdle,
		Positions: make([]float64, n),
		Winner:    NoWinner,
	}
}

// Start moves an Idle race to Running.
func (s State) Start() (State, error) {
	if s.Phase != PhaseIdle {
		return s, ErrNotIdle
	}
	s.Phase = PhaseRunning
	return s, nil
}

// Advance applies one tick: every position moves forward by
// uniform(0,1) * speed, clamped to finish. The first entrant in field order
// at or past the finish wins, which also breaks same-tick ties. Advance is a
// no-op unless the race is Running.
func (s State) Advance(speeds []float64, rng interface{ Float64() float64 }, finish float64) State {
	if s.Phase != PhaseRunning {
		return s
	}

	next := make([]float64, len(s.Positions))
	for i, p := range s.Positions {
		p += rng.Float64() * speeds[i]
		if p > finish {
			p = finish
		}
		next[i] = p
	}

	s.Positions = next
	s.Ticks++
	for i, p := range next {
		if p >= finish {
			s.Winner = i
			s.Phase = PhaseFinished
			break
		}
	}
	return s
}

// Settle takes the one-shot Finished → Settled transition. ok is false when
// the race is not Finished, including when it was already settled.
func (s State) Settle() (next State, ok bool) {
	if s.Phase != PhaseFinished {
		return s, false
	}
	s.Phase = PhaseSettled
	return s, true
}

// Done reports whether a winner has been decided.
func (s State) Done() bool {
	return s.Phase == PhaseFinished || s.Phase == PhaseSettled
}

// Speeds extracts per-tick speed factors from a field.
func Speeds(field []model.Entrant) []float64 {
	out := make([]float64, len(field))
	for i, e := range field {
		out[i] = e.Speed.InexactFloat64()
	}
	return out
}

// Run advances a started race synchronously until it finishes. Used by
// batch simulation where no clock is involved.
func Run(s State, speeds []float64, rng interface{ Float64() float64 }, finish float64) State {
	for s.Phase == PhaseRunning {
		s = s.Advance(speeds, rng, finish)
	}
	return s
}
