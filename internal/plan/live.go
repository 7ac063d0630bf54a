package plan

import "sync"

// LiveState is the decomposer's mutable between-plans memory: clarification
// questions raised by executors, answers merged back from the human, and the
// fingerprints of gaps already planned for. One LiveState per run.
type LiveState struct {
	mu           sync.Mutex
	pending      map[string]string // question id -> question
	answers      map[string]string // question id -> answer
	fingerprints map[string]bool
}

// NewLiveState creates an empty live state.
func NewLiveState() *LiveState {
	return &LiveState{
		pending:      make(map[string]string),
		answers:      make(map[string]string),
		fingerprints: make(map[string]bool),
	}
}

// AskClarification records an open question for the human in the loop.
func (s *LiveState) AskClarification(id, question string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, answered := s.answers[id]; answered {
		return
	}
	s.pending[id] = question
}

// Answer merges a clarification answer. Returns true when it resolves a
// pending question; unsolicited answers are kept too, so a human can feed
// guidance the planner did not explicitly ask for.
func (s *LiveState) Answer(id, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wasPending := s.pending[id]
	delete(s.pending, id)
	s.answers[id] = answer
	return wasPending
}

// Pending returns a copy of the unanswered questions.
func (s *LiveState) Pending() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.pending))
	for id, q := range s.pending {
		out[id] = q
	}
	return out
}

// Answers returns a copy of every merged answer.
func (s *LiveState) Answers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers))
	for id, a := range s.answers {
		out[id] = a
	}
	return out
}

// SeenGap reports whether a gap with this fingerprint was already planned
// for.
func (s *LiveState) SeenGap(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprints[fingerprint]
}

// RecordGap marks a fingerprint as planned. Called only after the graph
// extension committed, so a rejected extension can be retried.
func (s *LiveState) RecordGap(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[fingerprint] = true
}

// Fingerprints returns the recorded gap fingerprints, for snapshots.
func (s *LiveState) Fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.fingerprints))
	for fp := range s.fingerprints {
		out = append(out, fp)
	}
	return out
}

// RestoreFingerprints reloads fingerprints from a snapshot.
func (s *LiveState) RestoreFingerprints(fps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range fps {
		s.fingerprints[fp] = true
	}
}
