package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/aura-webinar/liveroom/internal/signaling"
)

// FrameType tags an inbound frame.
type FrameType string

const (
	FrameChat      FrameType = "chat"
	FrameHeartbeat FrameType = "heartbeat"
	FrameSignal    FrameType = "signal"
)

var (
	ErrUnknownFrame   = errors.New("realtime: unknown frame type")
	ErrMalformedFrame = errors.New("realtime: malformed frame")
)

// Frame is one decoded inbound frame: ChatFrame, HeartbeatFrame or SignalFrame.
type Frame interface {
	Type() FrameType
}

type ChatFrame struct {
	Content string
}

type HeartbeatFrame struct{}

type SignalFrame struct {
	Signal signaling.Signal
}

func (ChatFrame) Type() FrameType      { return FrameChat }
func (HeartbeatFrame) Type() FrameType { return FrameHeartbeat }
func (SignalFrame) Type() FrameType    { return FrameSignal }

type wireFrame struct {
	Type    FrameType         `json:"type"`
	Content string            `json:"content,omitempty"`
	Signal  *signaling.Signal `json:"signal,omitempty"`
}

// DecodeFrame parses a text frame into its variant.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch w.Type {
	case FrameChat:
		return ChatFrame{Content: w.Content}, nil
	case FrameHeartbeat:
		return HeartbeatFrame{}, nil
	case FrameSignal:
		if w.Signal == nil {
			return nil, fmt.Errorf("%w: signal frame without signal", ErrMalformedFrame)
		}
		return SignalFrame{Signal: *w.Signal}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}
}

// WelcomeEvent is the first frame of every connection.
type WelcomeEvent struct {
	Type              signaling.EventType `json:"type"`
	RoomID            string              `json:"roomId"`
	UserID            string              `json:"userId"`
	HandleID          string              `json:"handleId"`
	ICEServers        []webrtc.ICEServer  `json:"iceServers"`
	HeartbeatInterval int64               `json:"heartbeatInterval"` // ms
	Timestamp         int64               `json:"timestamp"`
}

// PongEvent answers a heartbeat.
type PongEvent struct {
	Type      signaling.EventType `json:"type"`
	Timestamp int64               `json:"timestamp"`
}

// ChatEvent is a chat line broadcast to the whole room, sender included.
type ChatEvent struct {
	Type      signaling.EventType `json:"type"`
	RoomID    string              `json:"roomId"`
	UserID    string              `json:"userId"`
	Content   string              `json:"content"`
	Timestamp int64               `json:"timestamp"`
}
