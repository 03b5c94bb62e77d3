package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestSignalValidate(t *testing.T) {
	cand := &webrtc.ICECandidateInit{Candidate: "candidate:0 1 UDP 1 10.0.0.2 9 typ host"}
	tests := []struct {
		name string
		sig  Signal
		want error
	}{
		{"offer", Signal{Type: SignalOffer, RoomID: "r", FromUserID: "a", SDP: "v=0"}, nil},
		{"answer without sdp", Signal{Type: SignalAnswer, RoomID: "r", FromUserID: "a"}, ErrMissingSDP},
		{"candidate", Signal{Type: SignalICECandidate, RoomID: "r", FromUserID: "a", ICECandidate: cand}, nil},
		{"empty candidate", Signal{Type: SignalICECandidate, RoomID: "r", FromUserID: "a", ICECandidate: &webrtc.ICECandidateInit{}}, ErrMissingICE},
		{"join", Signal{Type: SignalJoin, RoomID: "r", FromUserID: "a"}, nil},
		{"leave targeted", Signal{Type: SignalLeave, RoomID: "r", FromUserID: "a", ToUserID: "b"}, nil},
		{"no room", Signal{Type: SignalJoin, FromUserID: "a"}, ErrMissingRoom},
		{"no sender", Signal{Type: SignalJoin, RoomID: "r"}, ErrMissingSender},
		{"self addressed", Signal{Type: SignalOffer, RoomID: "r", FromUserID: "a", ToUserID: "a", SDP: "v=0"}, ErrSelfAddressed},
		{"unknown", Signal{Type: "bye", RoomID: "r", FromUserID: "a"}, ErrUnknownSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate()
			if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSignalWireFormat(t *testing.T) {
	raw := `{"type":"ice-candidate","roomId":"r1","fromUserId":"u1","toUserId":"u2",
		"iceCandidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if sig.ICECandidate == nil || sig.ICECandidate.SDPMid == nil || *sig.ICECandidate.SDPMid != "0" {
		t.Fatalf("candidate = %+v", sig.ICECandidate)
	}
	out, _ := json.Marshal(Signal{Type: SignalLeave, RoomID: "r1", FromUserID: "u1", Timestamp: 5})
	var m map[string]any
	_ = json.Unmarshal(out, &m)
	for _, k := range []string{"toUserId", "sdp", "iceCandidate"} {
		if _, ok := m[k]; ok {
			t.Errorf("empty %s was serialized: %s", k, out)
		}
	}
}

func TestIsNegotiation(t *testing.T) {
	for _, st := range []SignalType{SignalOffer, SignalAnswer, SignalICECandidate} {
		if !st.IsNegotiation() {
			t.Errorf("%s.IsNegotiation() = false", st)
		}
	}
	for _, st := range []SignalType{SignalJoin, SignalLeave, "x"} {
		if st.IsNegotiation() {
			t.Errorf("%s.IsNegotiation() = true", st)
		}
	}
}
