package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"

	"go.uber.org/zap"
)

// bareOffer passes offer validation but carries no media sections.
const bareOffer = "v=0\r\ns=-\r\n"

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeTrack struct {
	id        string
	keyframes atomic.Int32
	published atomic.Bool
}

func (t *fakeTrack) SetPublished(published bool) { t.published.Store(published) }

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) StreamID() string { return "relay" }
func (t *fakeTrack) RequestKeyframe() error {
	t.keyframes.Add(1)
	return nil
}

type fakeSession struct {
	mu        sync.Mutex
	id        domain.ConnectionID
	role      domain.Role
	attached  []domain.RelayTrack
	sent      [][]byte
	answerErr error
	offerErr  error
	onAnswer  func()
	applied   *domain.SessionDescription
	remote    []domain.ICECandidate
	closed    bool
	closeOnce sync.Once
	events    chan domain.Event
}

func newFakeSession(id domain.ConnectionID, role domain.Role) *fakeSession {
	return &fakeSession{id: id, role: role, events: make(chan domain.Event, 16)}
}

func (s *fakeSession) AttachTrack(track domain.RelayTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, track)
	return nil
}

func (s *fakeSession) Answer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if s.onAnswer != nil {
		s.onAnswer()
	}
	if s.answerErr != nil {
		return domain.SessionDescription{}, s.answerErr
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "answer-for-" + string(s.id)}, nil
}

func (s *fakeSession) Offer(ctx context.Context) (domain.SessionDescription, error) {
	if s.offerErr != nil {
		return domain.SessionDescription{}, s.offerErr
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "offer-from-" + string(s.id)}, nil
}

func (s *fakeSession) ApplyAnswer(answer domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = &answer
	return nil
}

func (s *fakeSession) AddRemoteCandidate(candidate domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = append(s.remote, candidate)
	return nil
}

func (s *fakeSession) Events() <-chan domain.Event { return s.events }

func (s *fakeSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrChannelNotOpen
	}
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSession) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeSession) Attached() []domain.RelayTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RelayTrack(nil), s.attached...)
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

// emit delivers an event unless the session is already closed.
func (s *fakeSession) emit(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	newErr    error
	answerErr error
	offerErr  error
	// onAnswer runs inside every session's Answer.
	onAnswer func()
}

func (t *fakeTransport) NewSession(ctx context.Context, id domain.ConnectionID, role domain.Role) (ports.PeerSession, error) {
	if t.newErr != nil {
		return nil, t.newErr
	}
	s := newFakeSession(id, role)
	s.answerErr = t.answerErr
	s.offerErr = t.offerErr
	s.onAnswer = t.onAnswer

	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) Last() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

func (t *fakeTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type fakeSignaler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSignaler) ExchangeOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.SessionDescription{}, f.err
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "upstream-answer"}, nil
}

func (f *fakeSignaler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSignaler) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type countingReconnector struct {
	calls atomic.Int32
}

func (r *countingReconnector) ScheduleReconnect() bool {
	r.calls.Add(1)
	return true
}

var errBoom = errors.New("boom")
