package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := New(ErrNoChatHistory, "consultation %s has no chat history", "c1")
	if !errors.Is(err, ErrNoChatHistory) {
		t.Error("expected errors.Is to match ErrNoChatHistory")
	}
	if errors.Is(err, ErrWrongState) {
		t.Error("no-chat-history must not match wrong-state")
	}
}

func TestIs_ThroughWrapping(t *testing.T) {
	inner := New(ErrWrongState, "consultation is completed")
	err := fmt.Errorf("consult: complete c1: %w", inner)
	if !errors.Is(err, ErrWrongState) {
		t.Error("expected match through fmt.Errorf wrapping")
	}
	if got := KindOf(err); got != KindInvalidState {
		t.Errorf("KindOf = %v, want %v", got, KindInvalidState)
	}
	if got := CodeOf(err); got != CodeWrongState {
		t.Errorf("CodeOf = %q, want %q", got, CodeWrongState)
	}
	if got := MessageOf(err); got != "consultation is completed" {
		t.Errorf("MessageOf = %q", got)
	}
}

func TestIs_KindOnlyTarget(t *testing.T) {
	err := New(ErrNotParticipant, "nope")
	if !errors.Is(err, &Error{Kind: KindAuthorization}) {
		t.Error("expected kind-only target to match")
	}
	if errors.Is(err, &Error{Kind: KindValidation}) {
		t.Error("kind-only target with other kind must not match")
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(ErrBrokerUnavailable, cause, "publish user:u1")
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if err.Error() != "publish user:u1: dial tcp: refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf = %v, want unknown", got)
	}
	if got := MessageOf(errors.New("boom")); got != "boom" {
		t.Errorf("MessageOf = %q", got)
	}
}

func TestKind_String(t *testing.T) {
	tests := map[Kind]string{
		KindValidation:     "validation",
		KindInvalidState:   "invalid_state",
		KindAuthorization:  "authorization",
		KindNotFound:       "not_found",
		KindConflict:       "conflict",
		KindTransientInfra: "transient_infra",
		KindUnknown:        "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
