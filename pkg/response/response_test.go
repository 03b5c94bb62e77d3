package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		write   func(c *gin.Context)
		status  int
		message string
		hasData bool
	}{
		{"ok", func(c *gin.Context) { OK(c, gin.H{"id": "r1"}) }, http.StatusOK, "success", true},
		{"created", func(c *gin.Context) { Created(c, gin.H{"id": "r1"}) }, http.StatusCreated, "created", true},
		{"conflict", func(c *gin.Context) { Conflict(c, "room is already live") }, http.StatusConflict, "room is already live", false},
		{"not found", func(c *gin.Context) { NotFound(c, "room not found") }, http.StatusNotFound, "room not found", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			tt.write(c)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var body Body
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.status {
				t.Errorf("code = %d, want %d", body.Code, tt.status)
			}
			if body.Message != tt.message {
				t.Errorf("message = %q, want %q", body.Message, tt.message)
			}
			if body.Timestamp == 0 {
				t.Error("timestamp not set")
			}
			if (body.Data != nil) != tt.hasData {
				t.Errorf("data = %v, hasData want %v", body.Data, tt.hasData)
			}
		})
	}
}
