// Package control implements the JSON heartbeat and status messages carried
// on a connection's control data channel.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"vidrelay/internal/core/domain"
)

// ChannelLabel is the label of the control data channel the relay opens
// towards an upstream server.
const ChannelLabel = "chat"

type Kind int

const (
	KindPing Kind = iota + 1
	KindPong
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Message is a decoded control channel payload. Timestamp keeps the exact
// bytes the peer sent so a pong can echo them unmodified.
type Message struct {
	Kind      Kind
	Timestamp json.RawMessage
	Frames    int64
}

type wireMessage struct {
	Type      string          `json:"type,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Frames    *int64          `json:"frames,omitempty"`
}

// Parse decodes a control payload. Anything that is not a ping, a pong or a
// status push yields domain.ErrMalformedControlMessage.
func Parse(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrMalformedControlMessage, err)
	}

	if !isNumber(w.Timestamp) {
		return Message{}, fmt.Errorf("%w: missing numeric timestamp", domain.ErrMalformedControlMessage)
	}

	switch w.Type {
	case "ping":
		return Message{Kind: KindPing, Timestamp: w.Timestamp}, nil
	case "pong":
		return Message{Kind: KindPong, Timestamp: w.Timestamp}, nil
	case "":
		if w.Frames == nil {
			return Message{}, fmt.Errorf("%w: status without frames", domain.ErrMalformedControlMessage)
		}
		return Message{Kind: KindStatus, Timestamp: w.Timestamp, Frames: *w.Frames}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedControlMessage, w.Type)
	}
}

// TimestampValue returns the message timestamp as seconds.
func (m Message) TimestampValue() (float64, error) {
	return strconv.ParseFloat(string(bytes.TrimSpace(m.Timestamp)), 64)
}

// Pong builds the reply to a ping, copying its timestamp verbatim.
func Pong(ping Message) []byte {
	return encode("pong", ping.Timestamp)
}

// Ping builds a heartbeat carrying ts in seconds.
func Ping(ts float64) []byte {
	return encode("ping", formatFloat(ts))
}

// Status builds the periodic {"frames","timestamp"} push.
func Status(frames int64, ts float64) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"frames":`)
	buf.WriteString(strconv.FormatInt(frames, 10))
	buf.WriteString(`,"timestamp":`)
	buf.Write(formatFloat(ts))
	buf.WriteByte('}')
	return buf.Bytes()
}

func encode(kind string, ts []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"`)
	buf.WriteString(kind)
	buf.WriteString(`","timestamp":`)
	buf.Write(bytes.TrimSpace(ts))
	buf.WriteByte('}')
	return buf.Bytes()
}

func formatFloat(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'f', -1, 64))
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(string(raw), 64)
	return err == nil
}
