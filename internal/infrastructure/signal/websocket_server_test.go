package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vidrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeSignaling struct {
	mu      sync.Mutex
	offers  []domain.SessionDescription
	closers []*countingCloser
	err     error
}

func (f *fakeSignaling) HandleOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	answer, _, err := f.HandleOfferAs(ctx, offer, domain.RoleConsumer)
	return answer, err
}

func (f *fakeSignaling) HandleOfferAs(_ context.Context, offer domain.SessionDescription, role domain.Role) (domain.SessionDescription, *domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.SessionDescription{}, nil, f.err
	}
	f.offers = append(f.offers, offer)
	closer := &countingCloser{}
	f.closers = append(f.closers, closer)
	conn := domain.NewConnection(domain.ConnectionID("producer-"+string(rune('0'+len(f.offers)))), role, closer)
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "answer:" + offer.SDP}, conn, nil
}

func (f *fakeSignaling) closer(i int) *countingCloser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closers[i]
}

type fakeCandidates struct {
	mu    sync.Mutex
	added map[domain.ConnectionID][]domain.ICECandidate
}

func (f *fakeCandidates) AddRemoteCandidate(id domain.ConnectionID, candidate domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added == nil {
		f.added = make(map[domain.ConnectionID][]domain.ICECandidate)
	}
	f.added[id] = append(f.added[id], candidate)
	return nil
}

func (f *fakeCandidates) count(id domain.ConnectionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added[id])
}

type wsHarness struct {
	server     *WebSocketServer
	signaling  *fakeSignaling
	candidates *fakeCandidates
	url        string
}

func newWSHarness(t *testing.T, cfg Config) *wsHarness {
	t.Helper()
	h := &wsHarness{
		signaling:  &fakeSignaling{},
		candidates: &fakeCandidates{},
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{"*"}
	}
	h.server = NewWebSocketServer(h.signaling, h.candidates, cfg, zap.NewNop().Sugar())

	ts := httptest.NewServer(http.HandlerFunc(h.server.HandleWebSocket))
	t.Cleanup(func() {
		h.server.Close()
		ts.Close()
	})
	h.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return h
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg SignalMessage) SignalMessage {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply SignalMessage
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestWebSocketServer_OfferAnswer(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)

	reply := roundTrip(t, conn, SignalMessage{Type: MessageOffer, SDP: "v=0\r\n"})
	assert.Equal(t, MessageAnswer, reply.Type)
	assert.Equal(t, "answer:v=0\r\n", reply.SDP)

	h.signaling.mu.Lock()
	require.Len(t, h.signaling.offers, 1)
	assert.Equal(t, domain.SDPTypeOffer, h.signaling.offers[0].Type)
	h.signaling.mu.Unlock()
}

func TestWebSocketServer_PingPong(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)

	reply := roundTrip(t, conn, SignalMessage{Type: MessagePing})
	assert.Equal(t, MessagePong, reply.Type)
}

func TestWebSocketServer_UnknownType(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)

	reply := roundTrip(t, conn, SignalMessage{Type: "join_stream"})
	assert.Equal(t, MessageError, reply.Type)
	assert.Contains(t, reply.Error, "unknown message type")
}

func TestWebSocketServer_ICECandidates(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)

	candidate := &domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}

	reply := roundTrip(t, conn, SignalMessage{Type: MessageICECandidate, Candidate: candidate})
	assert.Equal(t, MessageError, reply.Type)
	assert.Contains(t, reply.Error, "before offer")

	roundTrip(t, conn, SignalMessage{Type: MessageOffer, SDP: "v=0\r\n"})
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: MessageICECandidate, Candidate: candidate}))
	// end-of-candidates is accepted silently
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: MessageICECandidate, Candidate: &domain.ICECandidate{}}))

	assert.Eventually(t, func() bool { return h.candidates.count("producer-1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_CloseSocketClosesProducer(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)

	roundTrip(t, conn, SignalMessage{Type: MessageOffer, SDP: "v=0\r\n"})
	require.Equal(t, 1, h.server.ClientCount())

	require.NoError(t, conn.Close())

	closer := h.signaling.closer(0)
	assert.Eventually(t, func() bool { return closer.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.server.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_RenegotiationReplacesProducer(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)

	roundTrip(t, conn, SignalMessage{Type: MessageOffer, SDP: "v=0\r\n"})
	roundTrip(t, conn, SignalMessage{Type: MessageOffer, SDP: "v=0\r\n"})

	assert.Equal(t, int32(1), h.signaling.closer(0).closed.Load())
	assert.Equal(t, int32(0), h.signaling.closer(1).closed.Load())
}

func TestWebSocketServer_NegotiationErrorReported(t *testing.T) {
	h := newWSHarness(t, Config{})
	h.signaling.err = domain.ErrNegotiationFailure
	conn := h.dial(t)

	reply := roundTrip(t, conn, SignalMessage{Type: MessageOffer, SDP: "v=0\r\n"})
	assert.Equal(t, MessageError, reply.Type)
	assert.Contains(t, reply.Error, domain.ErrNegotiationFailure.Error())
}

func TestWebSocketServer_MessageRateLimit(t *testing.T) {
	h := newWSHarness(t, Config{MessagesPerSecond: 0.001, Burst: 1})
	conn := h.dial(t)

	assert.Equal(t, MessagePong, roundTrip(t, conn, SignalMessage{Type: MessagePing}).Type)

	reply := roundTrip(t, conn, SignalMessage{Type: MessagePing})
	assert.Equal(t, MessageError, reply.Type)
	assert.Equal(t, "rate limit exceeded", reply.Error)
}

func TestWebSocketServer_ServerPings(t *testing.T) {
	h := newWSHarness(t, Config{PingInterval: 20 * time.Millisecond, PongTimeout: time.Second})
	conn := h.dial(t)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("no ping received")
	}
}

func TestWebSocketServer_RejectsForeignOrigin(t *testing.T) {
	h := newWSHarness(t, Config{AllowedOrigins: []string{"https://relay.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://relay.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketServer_CloseRejectsNewSockets(t *testing.T) {
	h := newWSHarness(t, Config{})
	conn := h.dial(t)
	roundTrip(t, conn, SignalMessage{Type: MessagePing})

	h.server.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
