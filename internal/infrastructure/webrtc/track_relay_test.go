package webrtc

import (
	"context"
	"testing"
	"time"

	"vidrelay/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrackRelay_RecordsFramesOnlyWhilePublished(t *testing.T) {
	frames := &frameLog{}
	r := &trackRelay{frames: frames}

	r.recordFrame(400)
	assert.Empty(t, frames.snapshot())

	r.SetPublished(true)
	r.recordFrame(500)
	r.SetPublished(false)
	r.recordFrame(600)

	assert.Equal(t, []int{500}, frames.snapshot())
}

// gatheredOffer creates an offer on pc and waits for its candidates.
func gatheredOffer(t *testing.T, pc *webrtc.PeerConnection) domain.SessionDescription {
	t.Helper()

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: pc.LocalDescription().SDP}
}

func applyAnswer(t *testing.T, pc *webrtc.PeerConnection, answer domain.SessionDescription) {
	t.Helper()
	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}))
}

// waitForEvent reads events until one of the given kind arrives.
func waitForEvent(t *testing.T, events <-chan domain.Event, kind domain.EventKind, timeout time.Duration) domain.Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed before %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", kind, timeout)
		}
	}
}

func TestTrackRelay_ForwardsProducerMediaToConsumers(t *testing.T) {
	frames := &frameLog{}
	tr, err := NewTransport(Config{GatherTimeout: 2 * time.Second}, frames, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Producer peer sending VP8 RTP to the relay.
	producerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer producerPC.Close()

	source, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	require.NoError(t, err)
	_, err = producerPC.AddTrack(source)
	require.NoError(t, err)

	ingest, err := tr.NewSession(ctx, "p1", domain.RoleProducer)
	require.NoError(t, err)
	defer ingest.Close()

	answer, err := ingest.Answer(ctx, gatheredOffer(t, producerPC))
	require.NoError(t, err)
	applyAnswer(t, producerPC, answer)

	var seq uint16
	write := func(size int, marker bool) error {
		seq++
		return source.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 3000,
				Marker:         marker,
			},
			Payload: make([]byte, size),
		})
	}

	// The remote track only surfaces once media flows, so send single-packet
	// frames until it does. None of them may be recorded: the relay is not
	// published yet.
	stopWarmup := make(chan struct{})
	warmupDone := make(chan struct{})
	go func() {
		defer close(warmupDone)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopWarmup:
				return
			case <-ticker.C:
				_ = write(10, true)
			}
		}
	}()

	ev := waitForEvent(t, ingest.Events(), domain.EventTrackReceived, 15*time.Second)
	close(stopWarmup)
	<-warmupDone

	relay, ok := ev.Track.(*trackRelay)
	require.True(t, ok)

	// Consumer peer receiving the relayed track.
	viewerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer viewerPC.Close()

	_, err = viewerPC.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	received := make(chan int, 512)
	viewerPC.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			select {
			case received <- len(pkt.Payload):
			default:
			}
		}
	})

	viewer, err := tr.NewSession(ctx, "c1", domain.RoleConsumer)
	require.NoError(t, err)
	defer viewer.Close()

	require.NoError(t, viewer.AttachTrack(relay))
	viewerAnswer, err := viewer.Answer(ctx, gatheredOffer(t, viewerPC))
	require.NoError(t, err)
	applyAnswer(t, viewerPC, viewerAnswer)

	// Let in-flight warm-up packets land before accounting starts.
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, frames.snapshot())
	relay.SetPublished(true)

	sendFrame := func(sizes ...int) {
		for i, size := range sizes {
			require.NoError(t, write(size, i == len(sizes)-1))
		}
	}

	deadline := time.After(15 * time.Second)
	for len(frames.snapshot()) < 4 || len(received) == 0 {
		sendFrame(100, 200, 300)
		sendFrame(50, 70)

		select {
		case <-deadline:
			t.Fatalf("relay stalled: frames=%v consumer_packets=%d", frames.snapshot(), len(received))
		case <-time.After(20 * time.Millisecond):
		}
	}

	sizes := frames.snapshot()
	for i, size := range sizes {
		if i%2 == 0 {
			assert.Equal(t, 600, size, "frame %d", i)
		} else {
			assert.Equal(t, 120, size, "frame %d", i)
		}
	}
	assert.Contains(t, []int{100, 200, 300, 50, 70}, <-received)

	// The manager closes a producer's session once its transport goes away;
	// the relay must still report the end of its track.
	require.NoError(t, producerPC.Close())
	require.NoError(t, ingest.Close())
	waitForEvent(t, ingest.Events(), domain.EventTrackEnded, 5*time.Second)

	select {
	case <-relay.done:
	default:
		t.Fatal("relay still running after its session closed")
	}
}
