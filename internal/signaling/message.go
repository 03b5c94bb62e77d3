package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
)

// SignalType tags the signaling sub-protocol union.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalJoin         SignalType = "join"
	SignalLeave        SignalType = "leave"
)

// IsNegotiation reports whether t carries a peer negotiation payload that is relayed untouched.
func (t SignalType) IsNegotiation() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// Signal is one negotiation or control message between peers of a room.
// Timestamp is assigned by the server on every outgoing copy.
type Signal struct {
	Type         SignalType               `json:"type"`
	RoomID       string                   `json:"roomId"`
	FromUserID   string                   `json:"fromUserId"`
	ToUserID     string                   `json:"toUserId,omitempty"`
	SDP          string                   `json:"sdp,omitempty"`
	ICECandidate *webrtc.ICECandidateInit `json:"iceCandidate,omitempty"`
	Timestamp    int64                    `json:"timestamp"`
}

var (
	ErrMissingRoom   = errors.New("signal: missing roomId")
	ErrMissingSender = errors.New("signal: missing fromUserId")
	ErrMissingSDP    = errors.New("signal: missing sdp")
	ErrMissingICE    = errors.New("signal: missing iceCandidate")
	ErrUnknownSignal = errors.New("signal: unknown type")
	ErrSelfAddressed = errors.New("signal: toUserId equals fromUserId")
)

// Validate checks that the variant carries the payload it needs.
func (s *Signal) Validate() error {
	if s.RoomID == "" {
		return ErrMissingRoom
	}
	if s.FromUserID == "" {
		return ErrMissingSender
	}
	if s.ToUserID != "" && s.ToUserID == s.FromUserID {
		return ErrSelfAddressed
	}
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return ErrMissingSDP
		}
	case SignalICECandidate:
		if s.ICECandidate == nil || s.ICECandidate.Candidate == "" {
			return ErrMissingICE
		}
	case SignalJoin, SignalLeave:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, s.Type)
	}
	return nil
}

// EventType names outbound server events.
type EventType string

const (
	EventWelcome    EventType = "welcome"
	EventUserJoined EventType = "user-joined"
	EventUserLeft   EventType = "user-left"
	EventRoomUsers  EventType = "room-users"
	EventPong       EventType = "pong"
	EventPeerJoined EventType = "peer-joined"
	EventPeerLeft   EventType = "peer-left"
	EventRoomEnded  EventType = "room-ended"
	EventChat       EventType = "chat"
	EventError      EventType = "error"
)

// UserInfo describes a room member as seen by other members.
type UserInfo struct {
	UserID   string            `json:"userId"`
	Role     string            `json:"role,omitempty"`
	NodeID   string            `json:"nodeId,omitempty"`
	JoinedAt int64             `json:"joinedAt"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// UserEvent is sent for user-joined and user-left.
type UserEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserInfo  *UserInfo `json:"userInfo,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// RoomUsersEvent is the private membership snapshot sent to a joiner.
// Users never includes the joiner and is never null.
type RoomUsersEvent struct {
	Type      EventType  `json:"type"`
	RoomID    string     `json:"roomId"`
	Users     []UserInfo `json:"users"`
	Timestamp int64      `json:"timestamp"`
}

// PeerEvent is the secondary notification produced by join/leave signals.
type PeerEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	ToUserID  string    `json:"toUserId,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// RoomEndedEvent tells members the room was stopped; the server closes their connections after it.
type RoomEndedEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	Timestamp int64     `json:"timestamp"`
}

// ErrorEvent reports a rejected action to a single connection.
type ErrorEvent struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

func millis(t time.Time) int64 { return t.UnixMilli() }
