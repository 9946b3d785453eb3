package main

import (
	"sort"
	"strings"
)

// OutputDescriptor is one MPD audio output as reported by the "outputs" command.
// It is read fresh on every pass and never cached beyond it.
type OutputDescriptor struct {
	ID      int
	Name    string
	Enabled bool
}

// PlayState is the transport state reported by MPD.
type PlayState string

const (
	PlayStatePlaying PlayState = "play"
	PlayStatePaused  PlayState = "pause"
	PlayStateStopped PlayState = "stop"
)

// volumeUnknown is what MPD reports (or what we assume) when no mixer is available.
const volumeUnknown = -1

// TransportStatus is a snapshot of MPD's "status" response.
//
// It is fetched at every decision point of a pass. Actions taken earlier in a pass
// (a pause, a consume change) alter it, so a snapshot must never be reused.
type TransportStatus struct {
	State       PlayState
	Volume      int
	Consume     bool
	QueueLength int
}

// OutputSet is a set of output names.
type OutputSet map[string]struct{}

// NewOutputSet builds a set from names.
func NewOutputSet(names ...string) OutputSet {
	s := make(OutputSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s OutputSet) Add(name string) { s[name] = struct{}{} }

func (s OutputSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s OutputSet) Empty() bool { return len(s) == 0 }

// Minus returns the names in s that are not in other.
func (s OutputSet) Minus(other OutputSet) OutputSet {
	out := make(OutputSet)
	for n := range s {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets contain exactly the same names.
func (s OutputSet) Equal(other OutputSet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Sorted returns the names in lexicographic order. Dispatch always iterates in this order.
func (s OutputSet) Sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s OutputSet) String() string {
	return "{" + strings.Join(s.Sorted(), ",") + "}"
}

// ReconcileState is the last observed partition of speaker-class outputs.
//
// It is owned by the event loop driver and handed to each pass by pointer. Both
// sets start empty; nothing is persisted across restarts.
type ReconcileState struct {
	Enabled  OutputSet
	Disabled OutputSet
}

// Delta is the difference between the previous and the current observation.
type Delta struct {
	TurnedOn  OutputSet
	TurnedOff OutputSet
	Changed   bool
}

// ComputeDelta compares the current partition against prev using plain set difference.
func ComputeDelta(prev ReconcileState, nowEnabled, nowDisabled OutputSet) Delta {
	return Delta{
		TurnedOn:  nowEnabled.Minus(prev.Enabled),
		TurnedOff: nowDisabled.Minus(prev.Disabled),
		Changed:   !nowEnabled.Equal(prev.Enabled) || !nowDisabled.Equal(prev.Disabled),
	}
}

// Observe replaces the state with the current observation. Outputs absent from
// the daemon's list this pass drop out of both sets.
func (s *ReconcileState) Observe(nowEnabled, nowDisabled OutputSet) {
	s.Enabled = nowEnabled
	s.Disabled = nowDisabled
}
