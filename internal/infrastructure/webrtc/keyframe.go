package webrtc

import (
	"strings"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

const (
	h264NALTypeMask = 0x1F
	h264NALIDR      = 5
	h264NALSPS      = 7
	h264NALPPS      = 8
	h264NALSTAPA    = 24
)

// isKeyframe reports whether an RTP payload carries the start of a keyframe.
// Only H264 and VP8 are inspected; other codecs rely on periodic PLI.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	default:
		return false
	}
}

func isH264Keyframe(payload []byte) bool {
	switch payload[0] & h264NALTypeMask {
	case h264NALIDR, h264NALSPS, h264NALPPS:
		return true
	case h264NALSTAPA:
		// First aggregated NAL header follows the STAP-A header and a 16-bit size.
		if len(payload) > 3 {
			switch payload[3] & h264NALTypeMask {
			case h264NALIDR, h264NALSPS, h264NALPPS:
				return true
			}
		}
	}
	return false
}

func isVP8Keyframe(payload []byte) bool {
	var pkt codecs.VP8Packet
	frame, err := pkt.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	// P bit of the VP8 payload header is 0 on keyframes.
	return pkt.S == 1 && pkt.PID == 0 && frame[0]&0x01 == 0
}
