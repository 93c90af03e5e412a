// Package launchstate records where each account is in its launch/stop
// lifecycle and how sure we are about it.
package launchstate

import (
	"sort"
	"sync"
	"time"

	"github.com/loykin/gw2am/internal/metrics"
)

// Phase is a step of the launch/stop lifecycle. An account with no record is
// implicitly PhaseIdle.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseLaunchRequested      Phase = "launch_requested"
	PhaseLauncherStarted      Phase = "launcher_started"
	PhaseCredentialsWaiting   Phase = "credentials_waiting"
	PhaseCredentialsSubmitted Phase = "credentials_submitted"
	PhaseProcessDetected      Phase = "process_detected"
	PhaseRunning              Phase = "running"
	PhaseStopping             Phase = "stopping"
	PhaseStopped              Phase = "stopped"
	PhaseErrored              Phase = "errored"
)

// Settled reports whether no launch or stop is in progress in this phase.
func (p Phase) Settled() bool {
	switch p {
	case PhaseIdle, PhaseRunning, PhaseStopped, PhaseErrored:
		return true
	}
	return false
}

// Certainty says whether a record is backed by observation.
type Certainty string

const (
	// Verified records come from a process snapshot or an OS-confirmed kill.
	Verified Certainty = "verified"
	// Inferred records assume the effect of an action we took.
	Inferred Certainty = "inferred"
)

// Record is the latest known state of one account.
type Record struct {
	AccountID string    `json:"account_id"`
	Phase     Phase     `json:"phase"`
	Certainty Certainty `json:"certainty"`
	UpdatedAt time.Time `json:"updated_at"`
	Note      string    `json:"note,omitempty"`
}

// Observer is told about every committed transition. prev.Phase is
// PhaseIdle when the account had no record. Observers run under the store
// lock and must not block or call back into the store.
type Observer interface {
	Transition(prev, next Record)
}

// Store holds one Record per account. Writes are total overwrites.
//
// Each account also carries a generation number. A launch or stop starts a
// new generation with Begin and commits through SetIf, so a slow launch poll
// that was overtaken by a stop cannot write its result afterwards.
type Store struct {
	mu        sync.Mutex
	recs      map[string]Record
	gens      map[string]uint64
	observers []Observer
	now       func() time.Time
}

func NewStore(observers ...Observer) *Store {
	return &Store{
		recs:      make(map[string]Record),
		gens:      make(map[string]uint64),
		observers: observers,
		now:       time.Now,
	}
}

// Set overwrites the account's record unconditionally.
func (s *Store) Set(id string, phase Phase, cert Certainty, note string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(id, phase, cert, note)
}

// Begin starts a new generation for id and returns it.
func (s *Store) Begin(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[id]++
	return s.gens[id]
}

// Current reports whether gen is still the latest generation for id.
func (s *Store) Current(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[id] == gen
}

// SetIf commits the transition only while gen is the latest generation.
func (s *Store) SetIf(id string, gen uint64, phase Phase, cert Certainty, note string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[id] != gen {
		return Record{}, false
	}
	return s.commit(id, phase, cert, note), true
}

func (s *Store) commit(id string, phase Phase, cert Certainty, note string) Record {
	prev, ok := s.recs[id]
	if !ok {
		prev = Record{AccountID: id, Phase: PhaseIdle}
	}
	next := Record{AccountID: id, Phase: phase, Certainty: cert, UpdatedAt: s.now(), Note: note}
	s.recs[id] = next

	metrics.RecordStateTransition(string(prev.Phase), string(next.Phase))
	metrics.SetCurrentPhase(id, string(prev.Phase), string(next.Phase))
	for _, o := range s.observers {
		o.Transition(prev, next)
	}
	return next
}

// Get returns the record for id; ok is false if the account was never
// launched or stopped.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	return r, ok
}

// Peek returns the record and the generation it was read under, so a
// caller that did not Begin can still write back through SetIf.
func (s *Store) Peek(id string) (Record, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	return r, s.gens[id], ok
}

// All returns every record ordered by account id.
func (s *Store) All() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Delete removes the record of a deleted account. The generation is bumped
// so in-flight writers for that account are discarded.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(id)
}

// Prune deletes every record whose account is not in valid and returns the
// removed ids.
func (s *Store) Prune(valid []string) []string {
	keep := make(map[string]bool, len(valid))
	for _, id := range valid {
		keep[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id := range s.recs {
		if !keep[id] {
			s.drop(id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (s *Store) drop(id string) {
	delete(s.recs, id)
	s.gens[id]++
	metrics.ForgetAccount(id)
}
