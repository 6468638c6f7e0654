package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesClassAndStack(t *testing.T) {
	err := New(ClassNetwork, "connection refused")

	assert.Equal(t, ClassNetwork, err.Class)
	assert.Equal(t, "connection refused", err.Message)
	assert.NotEmpty(t, err.Stack, "stack should be captured at creation")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Wrap(cause, ClassDataValidation, "failed to decode page")

	assert.Equal(t, ClassDataValidation, err.Class)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "failed to decode page")
}

func TestWrapKeepsExistingStatus(t *testing.T) {
	inner := New(ClassServer, "upstream exploded").WithStatus(503)
	outer := Wrap(inner, ClassServer, "page request failed")

	assert.Equal(t, 503, GetStatus(outer))
}

func TestWithDetailAndStatus(t *testing.T) {
	err := New(ClassRateLimit, "throttled").
		WithStatus(429).
		WithDetail("entity", "orders").
		WithDetail("attempt", 2)

	assert.Equal(t, 429, err.Status)
	assert.Equal(t, "orders", err.Details["entity"])
	assert.Equal(t, 2, err.Details["attempt"])
}

func TestGetClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil error", nil, ClassUnknown},
		{"typed error", New(ClassAuth, "denied"), ClassAuth},
		{"wrapped typed error", fmt.Errorf("outer: %w", New(ClassServer, "boom")), ClassServer},
		{"plain error", io.EOF, ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetClass(tt.err))
		})
	}
}

func TestGetStatus(t *testing.T) {
	assert.Equal(t, 0, GetStatus(nil))
	assert.Equal(t, 0, GetStatus(io.EOF))
	assert.Equal(t, 503, GetStatus(New(ClassServer, "boom").WithStatus(503)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ClassNetwork, "timeout")))
	assert.True(t, IsRetryable(New(ClassRateLimit, "throttled")))
	assert.True(t, IsRetryable(New(ClassServer, "500")))
	assert.False(t, IsRetryable(New(ClassAuth, "denied")))
	assert.False(t, IsRetryable(New(ClassDataValidation, "bad record")))
	assert.False(t, IsRetryable(New(ClassConfig, "bad config")))
	assert.False(t, IsRetryable(io.EOF))
	assert.False(t, IsRetryable(nil))
}

func TestIsClass(t *testing.T) {
	err := New(ClassAuth, "denied")
	require.True(t, IsClass(err, ClassAuth))
	assert.False(t, IsClass(err, ClassNetwork))
	assert.False(t, IsClass(nil, ClassAuth))
}

func TestClassForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{429, ClassRateLimit},
		{401, ClassAuth},
		{403, ClassAuth},
		{408, ClassNetwork},
		{500, ClassServer},
		{502, ClassServer},
		{503, ClassServer},
		{599, ClassServer},
		{404, ClassUnknown},
		{200, ClassUnknown},
		{0, ClassUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassForStatus(tt.status), "status %d", tt.status)
	}
}
