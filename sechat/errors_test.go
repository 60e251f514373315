package sechat

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := &Error{Code: ErrorRateLimited, Message: "slow down", StatusCode: 409}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected match on code")
	}
	if errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected match across codes")
	}

	wrapped := fmt.Errorf("send: %w", err)
	if CodeOf(wrapped) != ErrorRateLimited || !IsRateLimited(wrapped) {
		t.Fatalf("code lost through wrapping")
	}
	if CodeOf(io.EOF) != ErrorUnknown {
		t.Fatalf("expected unknown for foreign errors")
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	err := WrapError(ErrorConnection, "open feed", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("wrapped error not reachable")
	}
	if !IsConnectionError(err) {
		t.Fatalf("expected connection error")
	}
	if !strings.Contains(err.Error(), "connection_error: open feed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestErrorMessageIncludesResponse(t *testing.T) {
	err := &Error{Code: ErrorBadResponse, Message: "bad response from /x", StatusCode: 500, Body: strings.Repeat("a", 300)}
	msg := err.Error()
	if !strings.Contains(msg, "(status 500)") {
		t.Fatalf("status missing from %q", msg)
	}
	if !strings.HasSuffix(msg, "...") {
		t.Fatalf("long body not truncated: %q", msg)
	}
}

func TestIsLoginError(t *testing.T) {
	for _, code := range []ErrorCode{ErrorLoginFailed, ErrorInvalidCredentials, ErrorCaptchaRequired} {
		if !IsLoginError(NewError(code, "x")) {
			t.Fatalf("%s should be a login error", code)
		}
	}
	if IsLoginError(ErrClosed) {
		t.Fatalf("closed is not a login error")
	}
}
