package domain

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
