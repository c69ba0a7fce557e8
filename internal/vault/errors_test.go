package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorClass
	}{
		{401, ClassAuth},
		{403, ClassAuth},
		{429, ClassRateLimit},
		{408, ClassNetwork},
		{400, ClassClient},
		{404, ClassClient},
		{500, ClassServer},
		{503, ClassServer},
		{200, ""},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server", &Error{StatusCode: 502, Class: ClassServer}, true},
		{"rate limit", &Error{StatusCode: 429, Class: ClassRateLimit}, true},
		{"network", &Error{Class: ClassNetwork, Err: errors.New("connection reset")}, true},
		{"wrapped server", fmt.Errorf("page 3: %w", &Error{StatusCode: 500, Class: ClassServer}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"network canceled", &Error{Class: ClassNetwork, Err: context.Canceled}, false},
		{"auth", &Error{StatusCode: 401, Class: ClassAuth}, false},
		{"client", &Error{StatusCode: 400, Class: ClassClient}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_IsAuthentication(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &Error{StatusCode: 403, Class: ClassAuth, Message: "forbidden"})
	if !errors.Is(err, ErrAuthentication) {
		t.Error("expected auth error to match ErrAuthentication")
	}
	if errors.Is(&Error{StatusCode: 500, Class: ClassServer}, ErrAuthentication) {
		t.Error("server error must not match ErrAuthentication")
	}
}

func TestError_Error(t *testing.T) {
	e := &Error{StatusCode: 500, Class: ClassServer, Message: "internal", Err: errors.New("eof")}
	want := "vault server error (status 500): internal: eof"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
