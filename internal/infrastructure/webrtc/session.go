package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vidrelay/internal/core/control"
	"vidrelay/internal/core/domain"
	"vidrelay/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errForeignTrack = errors.New("track was not produced by this transport")

// relayDrainTimeout bounds how long Close waits for relays to report
// TrackEnded before the event stream closes.
const relayDrainTimeout = time.Second

// session adapts one pion PeerConnection to ports.PeerSession.
type session struct {
	id        domain.ConnectionID
	role      domain.Role
	pc        *webrtc.PeerConnection
	transport *Transport
	emitter   *eventEmitter

	mu      sync.Mutex
	channel *webrtc.DataChannel
	relays  []*trackRelay

	closeOnce sync.Once
	closeErr  error

	logger *zap.SugaredLogger
}

func newSession(t *Transport, id domain.ConnectionID, role domain.Role, pc *webrtc.PeerConnection) *session {
	s := &session{
		id:        id,
		role:      role,
		pc:        pc,
		transport: t,
		emitter:   newEventEmitter(),
		logger:    t.logger.With("connection_id", id, "role", role),
	}

	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(s.handleTrack)
	pc.OnDataChannel(s.bindChannel)
	return s
}

func (s *session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Debugw("peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		s.emitter.emit(domain.StateChanged(domain.TransportConnecting))
	case webrtc.PeerConnectionStateConnected:
		s.emitter.emit(domain.StateChanged(domain.TransportConnected))
	case webrtc.PeerConnectionStateDisconnected:
		s.emitter.emit(domain.StateChanged(domain.TransportDisconnected))
	case webrtc.PeerConnectionStateFailed:
		s.emitter.emit(domain.StateChanged(domain.TransportFailed))
	case webrtc.PeerConnectionStateClosed:
		s.emitter.emit(domain.StateChanged(domain.TransportClosed))
	}
}

func (s *session) handleTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.logger.Infow("remote track started",
		"track_id", remote.ID(),
		"kind", remote.Kind().String(),
		"codec", remote.Codec().MimeType,
	)

	if remote.Kind() != webrtc.RTPCodecTypeVideo {
		go drainTrack(remote)
		return
	}

	relay, err := newTrackRelay(remote, receiver, s.pc, s.transport.frames, s.transport.cfg.PLIInterval, s.logger)
	if err != nil {
		s.logger.Errorw("failed to create local track for forwarding", "track_id", remote.ID(), "error", err)
		return
	}

	s.mu.Lock()
	s.relays = append(s.relays, relay)
	s.mu.Unlock()

	s.emitter.emit(domain.TrackReceived(relay))
	go relay.run(func() {
		s.emitter.emit(domain.TrackEnded(relay))
	})
}

func (s *session) bindChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.channel = dc
	s.mu.Unlock()

	label := dc.Label()
	dc.OnOpen(func() {
		s.logger.Debugw("control channel open", "label", label)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.emitter.emit(domain.ChannelMessage(label, msg.Data))
	})
}

func (s *session) AttachTrack(track domain.RelayTrack) error {
	relay, ok := track.(*trackRelay)
	if !ok {
		return errForeignTrack
	}

	sender, err := s.pc.AddTrack(relay.local)
	if err != nil {
		return err
	}

	go s.readSenderRTCP(sender, relay)
	return nil
}

// readSenderRTCP forwards keyframe requests from the consumer to the
// producer of the relayed track.
func (s *session) readSenderRTCP(sender *webrtc.RTPSender, relay *trackRelay) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := relay.RequestKeyframe(); err != nil {
					s.logger.Debugw("keyframe request not forwarded", "error", err)
				}
			}
		}
	}
}

func (s *session) Answer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return s.setLocal(ctx, answer)
}

// Offer prepares an outbound offer that receives video and opens the
// control channel.
func (s *session) Offer(ctx context.Context) (domain.SessionDescription, error) {
	if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("add video transceiver: %w", err)
	}

	dc, err := s.pc.CreateDataChannel(control.ChannelLabel, nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create control channel: %w", err)
	}
	s.bindChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return s.setLocal(ctx, offer)
}

// setLocal applies the local description and waits for ICE gathering, bounded
// by the configured gather timeout.
func (s *session) setLocal(ctx context.Context, desc webrtc.SessionDescription) (domain.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(s.transport.cfg.GatherTimeout)
	defer timer.Stop()

	select {
	case <-gatherComplete:
	case <-timer.C:
		s.logger.Warnw("ICE gathering timed out, answering with partial candidates",
			"timeout", s.transport.cfg.GatherTimeout.String(),
		)
	case <-ctx.Done():
		return domain.SessionDescription{}, ctx.Err()
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return domain.SessionDescription{}, errors.New("local description unavailable")
	}
	return domain.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (s *session) ApplyAnswer(answer domain.SessionDescription) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (s *session) AddRemoteCandidate(candidate domain.ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (s *session) Events() <-chan domain.Event {
	return s.emitter.events()
}

func (s *session) Send(payload []byte) error {
	s.mu.Lock()
	dc := s.channel
	s.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrChannelNotOpen
	}
	return dc.SendText(string(payload))
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
		s.awaitRelays()
		s.emitter.close()
		s.logger.Debugw("peer connection closed")
	})
	return s.closeErr
}

// awaitRelays waits for the relays of a closed peer connection to finish so
// their TrackEnded events reach the stream.
func (s *session) awaitRelays() {
	s.mu.Lock()
	relays := append([]*trackRelay(nil), s.relays...)
	s.mu.Unlock()

	if len(relays) == 0 {
		return
	}
	timeout := time.NewTimer(relayDrainTimeout)
	defer timeout.Stop()

	for _, r := range relays {
		select {
		case <-r.done:
		case <-timeout.C:
			s.logger.Warnw("relay did not stop in time", "track_id", r.ID())
			return
		}
	}
}

// drainTrack discards media the relay does not forward.
func drainTrack(remote *webrtc.TrackRemote) {
	buf := optimize.PacketBuffers.Get()
	defer optimize.PacketBuffers.Put(buf)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}
