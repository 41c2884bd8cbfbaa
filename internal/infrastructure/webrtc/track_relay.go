package webrtc

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"vidrelay/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameRecorder receives one sample per assembled video frame.
type FrameRecorder interface {
	RecordFrame(ts float64, sizeBytes int)
}

// rtcpWriter is the part of a peer connection a relay needs to ask the
// producer for keyframes.
type rtcpWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// trackRelay copies RTP from one producer track into a local track that any
// number of consumer sessions can attach.
type trackRelay struct {
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	writer   rtcpWriter
	local    *webrtc.TrackLocalStaticRTP
	mimeType string
	ssrc     uint32

	frames      FrameRecorder
	pliLimiter  *rate.Limiter
	pliInterval time.Duration
	sawKeyframe atomic.Bool
	published   atomic.Bool
	done        chan struct{}

	logger *zap.SugaredLogger
}

func newTrackRelay(
	remote *webrtc.TrackRemote,
	receiver *webrtc.RTPReceiver,
	writer rtcpWriter,
	frames FrameRecorder,
	pliInterval time.Duration,
	logger *zap.SugaredLogger,
) (*trackRelay, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
	if err != nil {
		return nil, err
	}

	return &trackRelay{
		remote:      remote,
		receiver:    receiver,
		writer:      writer,
		local:       local,
		mimeType:    remote.Codec().MimeType,
		ssrc:        uint32(remote.SSRC()),
		frames:      frames,
		pliLimiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		pliInterval: pliInterval,
		done:        make(chan struct{}),
		logger:      logger,
	}, nil
}

func (r *trackRelay) ID() string {
	return r.local.ID()
}

func (r *trackRelay) StreamID() string {
	return r.local.StreamID()
}

// RequestKeyframe sends a PLI to the producer. Requests from many consumers
// are coalesced to at most two per second.
func (r *trackRelay) RequestKeyframe() error {
	if !r.pliLimiter.Allow() {
		return nil
	}
	return r.writer.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: r.ssrc}})
}

// SetPublished switches frame accounting on or off. A producer that has been
// replaced keeps forwarding to consumers still attached to it, but only the
// current track feeds the frame statistics.
func (r *trackRelay) SetPublished(published bool) {
	r.published.Store(published)
}

func (r *trackRelay) recordFrame(sizeBytes int) {
	if r.published.Load() {
		r.frames.RecordFrame(unixSeconds(time.Now()), sizeBytes)
	}
}

// run forwards packets until the remote track ends, then calls onEnd. done
// is closed after onEnd returns.
func (r *trackRelay) run(onEnd func()) {
	defer close(r.done)
	defer onEnd()

	go r.drainRTCP()
	go r.requestUntilKeyframe()

	var (
		pkt        = &rtp.Packet{}
		buf        = optimize.PacketBuffers.Get()
		frameBytes int
		packets    uint64
	)
	// WriteRTP copies into each binding, so pkt may alias buf.
	defer optimize.PacketBuffers.Put(buf)

	for {
		n, _, err := r.remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warnw("error reading track", "track_id", r.ID(), "error", err)
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.logger.Debugw("error unmarshaling RTP packet", "track_id", r.ID(), "error", err)
			continue
		}
		packets++

		if !r.sawKeyframe.Load() && isKeyframe(r.mimeType, pkt.Payload) {
			r.sawKeyframe.Store(true)
			r.logger.Infow("first keyframe received", "track_id", r.ID(), "packets", packets)
		}

		frameBytes += len(pkt.Payload)
		if pkt.Marker {
			r.recordFrame(frameBytes)
			frameBytes = 0
		}

		if err := r.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			r.logger.Debugw("error writing RTP packet to local track", "track_id", r.ID(), "error", err)
		}
	}
}

// requestUntilKeyframe asks for a keyframe right away and then every
// pliInterval until one has been seen.
func (r *trackRelay) requestUntilKeyframe() {
	if r.pliInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.pliInterval)
	defer ticker.Stop()

	for {
		if r.sawKeyframe.Load() {
			return
		}
		if err := r.RequestKeyframe(); err != nil {
			r.logger.Debugw("keyframe request failed", "track_id", r.ID(), "error", err)
		}

		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
	}
}

func (r *trackRelay) drainRTCP() {
	for {
		if _, _, err := r.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
