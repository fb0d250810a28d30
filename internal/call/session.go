package call

import (
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/internal/postcall"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// Turn is one utterance in a call transcript.
type Turn = types.Turn

// Speaker identifies who produced a Turn.
type Speaker = types.Speaker

// Speakers.
const (
	SpeakerCaller = types.SpeakerCaller
	SpeakerAgent  = types.SpeakerAgent
)

// Session is the state of one live call. The exported fields are set at
// creation and never change; everything else is guarded by the session lock.
//
// All methods are safe for concurrent use. Only the call's state machine
// mutates a session.
type Session struct {
	ID        string
	CallerID  string
	StartedAt time.Time
	Outbound  *outbound.Context

	mu           sync.Mutex
	callID       string
	state        State
	turns        []Turn
	partial      *Turn
	priorContext string
	endedAt      time.Time
}

func newSession(id, callerID string, oc *outbound.Context, now time.Time) *Session {
	return &Session{
		ID:        id,
		CallerID:  callerID,
		StartedAt: now,
		Outbound:  oc,
		state:     StateListening,
	}
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) (from State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	s.state = st
	return from
}

// CallID returns the telephony provider's call id.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) setCallID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = id
}

// Transcript returns a copy of the final turns in order.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Partial returns the latest partial caller turn, if any.
func (s *Session) Partial() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partial == nil {
		return Turn{}, false
	}
	return *s.partial, true
}

// setPartial replaces the held partial turn.
func (s *Session) setPartial(speaker Speaker, text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = &Turn{Speaker: speaker, Text: text, Timestamp: at}
}

// appendFinal adds a final turn and returns its index. Timestamps are kept
// strictly increasing: an out-of-order time is bumped past the last turn.
// A caller final clears the held partial.
func (s *Session) appendFinal(speaker Speaker, text string, at time.Time) int {
	return s.appendTurn(Turn{Speaker: speaker, Text: text, Timestamp: at})
}

// appendTurn appends t as a final turn, nudging its timestamp past the last
// turn so the transcript stays strictly ordered.
func (s *Session) appendTurn(t Turn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.IsFinal = true
	if n := len(s.turns); n > 0 {
		if last := s.turns[n-1].Timestamp; !t.Timestamp.After(last) {
			t.Timestamp = last.Add(time.Nanosecond)
		}
	}
	s.turns = append(s.turns, t)
	if t.Speaker == SpeakerCaller {
		s.partial = nil
	}
	return len(s.turns) - 1
}

func (s *Session) clearPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = nil
}

// history returns the completion history for the caller turn at index: every
// final turn before it plus agent turns spoken after it. Later caller turns
// are still waiting for their own reply and are left out.
func (s *Session) history(index int) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]llm.Message, 0, len(s.turns))
	for i, t := range s.turns {
		if i == index || (i > index && t.Speaker != SpeakerAgent) {
			continue
		}
		role := llm.RoleUser
		if t.Speaker == SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}

// PriorContext returns the prior-call block loaded at connect.
func (s *Session) PriorContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priorContext
}

func (s *Session) setPriorContext(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorContext = text
}

// EndedAt returns when the call ended, or the zero time while it is live.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// end marks the session ENDED. Only the first call has an effect.
func (s *Session) end(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		return
	}
	s.state = StateEnded
	s.endedAt = at
	s.partial = nil
}

// Record snapshots the session for the post-call pipeline.
func (s *Session) Record() postcall.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return postcall.Record{
		SessionID: s.ID,
		CallID:    s.callID,
		CallerID:  s.CallerID,
		StartedAt: s.StartedAt,
		EndedAt:   s.endedAt,
		Turns:     turns,
	}
}
