package errors

import (
	"fmt"
	"testing"
)

func TestCtxError_Error(t *testing.T) {
	err := &CtxError{
		Code:    ErrSessionNotFound,
		Status:  404,
		Message: "session not found: s1",
	}

	expected := "SESSION_NOT_FOUND: session not found: s1"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("session_id is required")

	if err.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidRequest)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Message != "session_id is required" {
		t.Errorf("Message = %q, want %q", err.Message, "session_id is required")
	}
}

func TestNewConfiguration(t *testing.T) {
	err := NewConfiguration("window_value", "percentage must be in [1,100]")

	if err.Code != ErrConfiguration {
		t.Errorf("Code = %q, want %q", err.Code, ErrConfiguration)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Details["field"] != "window_value" {
		t.Errorf("Details[field] = %v, want %q", err.Details["field"], "window_value")
	}
	want := "invalid window_value: percentage must be in [1,100]"
	if err.Message != want {
		t.Errorf("Message = %q, want %q", err.Message, want)
	}
}

func TestNewCapacity(t *testing.T) {
	err := NewCapacity(0)

	if err.Code != ErrCapacity {
		t.Errorf("Code = %q, want %q", err.Code, ErrCapacity)
	}
	if err.Details["capacity"] != 0 {
		t.Errorf("Details[capacity] = %v, want 0", err.Details["capacity"])
	}
}

func TestNewSessionNotFound(t *testing.T) {
	err := NewSessionNotFound("abc")

	if err.Code != ErrSessionNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrSessionNotFound)
	}
	if err.Status != 404 {
		t.Errorf("Status = %d, want 404", err.Status)
	}
	if err.Details["session_id"] != "abc" {
		t.Errorf("Details[session_id] = %v, want %q", err.Details["session_id"], "abc")
	}
}

func TestNewInternal(t *testing.T) {
	err := NewInternal(fmt.Errorf("boom"))
	if err.Code != ErrInternal || err.Status != 500 {
		t.Errorf("got %s/%d, want INTERNAL/500", err.Code, err.Status)
	}
	if err.Message != "boom" {
		t.Errorf("Message = %q, want %q", err.Message, "boom")
	}

	err = NewInternal(nil)
	if err.Message != "internal error" {
		t.Errorf("Message = %q, want %q", err.Message, "internal error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching code", NewSessionNotFound("x"), ErrSessionNotFound, true},
		{"different code", NewSessionNotFound("x"), ErrConfiguration, false},
		{"wrapped", fmt.Errorf("get context: %w", NewCapacity(0)), ErrCapacity, true},
		{"plain error", fmt.Errorf("plain"), ErrInternal, false},
		{"nil", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewInvalidRequest("bad"))
	cErr, ok := As(wrapped)
	if !ok {
		t.Fatal("As() ok = false, want true")
	}
	if cErr.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", cErr.Code, ErrInvalidRequest)
	}

	if _, ok := As(fmt.Errorf("plain")); ok {
		t.Error("As() ok = true for plain error")
	}
}
