package domain

// RelayTrack is a published media track that consumer sessions can attach.
type RelayTrack interface {
	ID() string
	StreamID() string
	// RequestKeyframe asks the source of the track for a fresh keyframe.
	RequestKeyframe() error
}

// TrackHandle is what a consumer receives from the fanout. Handles taken
// from the same publication share one Stale channel.
type TrackHandle struct {
	Track    RelayTrack
	SourceID ConnectionID
	Stale    <-chan struct{}
}

// IsStale reports whether the publication behind the handle was invalidated.
func (h *TrackHandle) IsStale() bool {
	if h == nil {
		return true
	}
	select {
	case <-h.Stale:
		return true
	default:
		return false
	}
}

// PublicationAware is implemented by tracks that only account for their
// media while they are the fanout's current track.
type PublicationAware interface {
	SetPublished(published bool)
}
