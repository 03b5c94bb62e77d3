package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope. Code mirrors the HTTP status;
// Timestamp is milliseconds since the epoch.
type Body struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

func write(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Body{
		Code:      status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, "success", data)
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	write(c, http.StatusCreated, "created", data)
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	write(c, http.StatusBadRequest, err, nil)
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	write(c, http.StatusUnauthorized, err, nil)
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	write(c, http.StatusForbidden, err, nil)
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	write(c, http.StatusNotFound, err, nil)
}

// Conflict sends 409. Used for rejected lifecycle transitions.
func Conflict(c *gin.Context, err string) {
	write(c, http.StatusConflict, err, nil)
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	write(c, http.StatusServiceUnavailable, err, nil)
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	write(c, http.StatusInternalServerError, err, nil)
}
