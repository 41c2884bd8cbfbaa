package services

import (
	"vidrelay/internal/core/domain"

	"github.com/pion/sdp/v3"
)

// RoleClassifier decides whether an inbound offer comes from a producer or
// a consumer.
type RoleClassifier func(offer domain.SessionDescription) domain.Role

var directionAttributes = []string{
	sdp.AttrKeySendOnly,
	sdp.AttrKeySendRecv,
	sdp.AttrKeyRecvOnly,
	sdp.AttrKeyInactive,
}

// ClassifyByDirection treats an offer that declares sendonly or sendrecv on a
// video section as a producer. Everything else, including offers that do not
// parse, is a consumer.
func ClassifyByDirection(offer domain.SessionDescription) domain.Role {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer.SDP)); err != nil {
		return domain.RoleConsumer
	}

	sessionDirection := direction(desc.Attribute)
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "video" {
			continue
		}
		dir := direction(media.Attribute)
		if dir == "" {
			dir = sessionDirection
		}
		if dir == sdp.AttrKeySendOnly || dir == sdp.AttrKeySendRecv {
			return domain.RoleProducer
		}
	}
	return domain.RoleConsumer
}

func direction(lookup func(string) (string, bool)) string {
	for _, key := range directionAttributes {
		if _, ok := lookup(key); ok {
			return key
		}
	}
	return ""
}
