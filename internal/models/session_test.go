package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestPlaybackHandle(t *testing.T) {
	a, b := NewPlaybackHandle(), NewPlaybackHandle()
	if a == b {
		t.Error("playback handles collided")
	}
	tests := []struct {
		handle string
		want   bool
	}{
		{a, true},
		{uuid.NewString(), false},
		{"", false},
		{"display-1", false},
	}
	for _, tt := range tests {
		if got := IsPlaybackHandle(tt.handle); got != tt.want {
			t.Errorf("IsPlaybackHandle(%q) = %v, want %v", tt.handle, got, tt.want)
		}
	}
}
