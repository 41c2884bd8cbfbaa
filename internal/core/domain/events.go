package domain

import "time"

type EventKind string

const (
	EventTrackReceived  EventKind = "track_received"
	EventTrackEnded     EventKind = "track_ended"
	EventStateChanged   EventKind = "state_changed"
	EventChannelMessage EventKind = "channel_message"
)

// TransportState is the connection state reported by the media transport.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Event is the single message type flowing from a transport session to the
// connection's dispatch goroutine.
type Event struct {
	Kind    EventKind
	Track   RelayTrack
	State   TransportState
	Channel string
	Payload []byte
	At      time.Time
}

func TrackReceived(track RelayTrack) Event {
	return Event{Kind: EventTrackReceived, Track: track, At: time.Now()}
}

func TrackEnded(track RelayTrack) Event {
	return Event{Kind: EventTrackEnded, Track: track, At: time.Now()}
}

func StateChanged(state TransportState) Event {
	return Event{Kind: EventStateChanged, State: state, At: time.Now()}
}

func ChannelMessage(channel string, payload []byte) Event {
	return Event{Kind: EventChannelMessage, Channel: channel, Payload: payload, At: time.Now()}
}

// LifecycleEvent is published on the distributed event bus whenever a
// connection is registered, changes state, or goes away.
type LifecycleEvent struct {
	Type         string         `json:"type"`
	ConnectionID ConnectionID   `json:"connection_id"`
	Role         Role           `json:"role"`
	State        State          `json:"state,omitempty"`
	NodeID       string         `json:"node_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
}

const (
	LifecycleRegistered  = "connection.registered"
	LifecycleState       = "connection.state"
	LifecycleRemoved     = "connection.removed"
	LifecyclePublished   = "track.published"
	LifecycleInvalidated = "track.invalidated"
)
