package bizerr

import "testing"

func TestCodeMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		code int
	}{
		{InvalidArgument, 1},
		{InternalError, 2},
		{ServiceUnavailable, 3},
		{InsufficientBalance, 10},
		{RepeatUpdate, 10},
		{AmountTooSmall, 11},
		{NoCounterparty, 12},
		{OrderNotFound, 10},
		{UserMismatch, 11},
	}
	for _, tt := range tests {
		if got := tt.kind.Code(); got != tt.code {
			t.Errorf("%s.Code() = %d, want %d", tt.kind, got, tt.code)
		}
	}
}

func TestStringNeverEmpty(t *testing.T) {
	kinds := []Kind{InvalidArgument, InternalError, ServiceUnavailable, InsufficientBalance,
		RepeatUpdate, AmountTooSmall, NoCounterparty, OrderNotFound, UserMismatch}
	for _, k := range kinds {
		if k.String() == "" {
			t.Errorf("Kind(%d).String() is empty", k)
		}
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("unmapped Kind.String() = %q, want \"unknown\"", Kind(99).String())
	}
}

func TestNewAndAs(t *testing.T) {
	err := New(AmountTooSmall, "too small")
	be, ok := As(err)
	if !ok {
		t.Fatal("As() should extract the *Error")
	}
	if be.Kind != AmountTooSmall || be.Error() != "too small" {
		t.Errorf("unexpected Error fields: %+v", be)
	}

	if _, ok := As(error(nil)); ok {
		t.Error("As(nil) should report ok=false, not panic")
	}
}
