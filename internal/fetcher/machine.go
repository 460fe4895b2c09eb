package fetcher

import "fmt"

// Phase is a state of the retry/fallback machine.
type Phase int

const (
	// PhaseAttempting: an upstream attempt is due (Step.Attempt is its 1-based number).
	PhaseAttempting Phase = iota
	// PhaseFallback: attempts are exhausted; the snapshot cache is consulted.
	PhaseFallback
	// PhaseFetched: an attempt succeeded. Terminal.
	PhaseFetched
	// PhaseRecovered: the snapshot cache supplied the payload. Terminal.
	PhaseRecovered
	// PhaseFailed: no attempt succeeded and the cache was empty. Terminal.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAttempting:
		return "attempting"
	case PhaseFallback:
		return "fallback"
	case PhaseFetched:
		return "fetched"
	case PhaseRecovered:
		return "recovered"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Event drives a transition.
type Event int

const (
	EventSuccess Event = iota
	EventFailure
	EventCacheHit
	EventCacheMiss
	// EventAbort ends the attempt phase early, e.g. on context cancellation.
	EventAbort
)

// Step is the machine state.
type Step struct {
	Phase   Phase
	Attempt int
}

// Start returns the initial step.
func Start() Step {
	return Step{Phase: PhaseAttempting, Attempt: 1}
}

// Terminal reports whether no further events are accepted.
func (s Step) Terminal() bool {
	return s.Phase == PhaseFetched || s.Phase == PhaseRecovered || s.Phase == PhaseFailed
}

// Next applies ev to s. Events that do not apply to the current phase leave the
// step unchanged. maxAttempts below 1 is treated as 1.
func Next(s Step, ev Event, maxAttempts int) Step {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	switch s.Phase {
	case PhaseAttempting:
		switch ev {
		case EventSuccess:
			return Step{Phase: PhaseFetched, Attempt: s.Attempt}
		case EventFailure:
			if s.Attempt < maxAttempts {
				return Step{Phase: PhaseAttempting, Attempt: s.Attempt + 1}
			}
			return Step{Phase: PhaseFallback, Attempt: s.Attempt}
		case EventAbort:
			// The due attempt never ran.
			return Step{Phase: PhaseFallback, Attempt: max(s.Attempt-1, 0)}
		}
	case PhaseFallback:
		switch ev {
		case EventCacheHit:
			return Step{Phase: PhaseRecovered, Attempt: s.Attempt}
		case EventCacheMiss:
			return Step{Phase: PhaseFailed, Attempt: s.Attempt}
		}
	}
	return s
}
