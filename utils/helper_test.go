package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
)

func TestMergeLockTTLOutlivesTransactionTimeout(t *testing.T) {
	t.Setenv("MERGE_TX_TIMEOUT_SECONDS", "")
	if got := mergeLockTTL(); got != 35*time.Second {
		t.Fatalf("expected default ttl 35s, got %s", got)
	}

	t.Setenv("MERGE_TX_TIMEOUT_SECONDS", "90")
	if got := mergeLockTTL(); got != 95*time.Second {
		t.Fatalf("expected ttl to track the transaction timeout, got %s", got)
	}
}

func TestProcessValidationErrors(t *testing.T) {
	type form struct {
		Name string `validate:"required"`
	}
	v := validator.New()

	fields := ProcessValidationErrors(v.Struct(form{}))
	if fields["Name"] != "required" {
		t.Fatalf("expected Name=required, got %v", fields)
	}

	// Nil input makes the validator return *InvalidValidationError; that must
	// come back as an empty map, not a panic.
	if fields := ProcessValidationErrors(v.Struct(nil)); len(fields) != 0 {
		t.Fatalf("expected no field errors for nil input, got %v", fields)
	}

	if fields := ProcessValidationErrors(errors.New("not a validation error")); len(fields) != 0 {
		t.Fatalf("expected no field errors for a plain error, got %v", fields)
	}
}

func TestUniqueSlice(t *testing.T) {
	got := UniqueSlice([]int{3, 1, 3, 2, 1})
	want := []int{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDereferencePtr(t *testing.T) {
	if DereferencePtr[bool](nil) {
		t.Fatalf("nil pointer must dereference to the zero value")
	}
	if !DereferencePtr(NewTrue()) {
		t.Fatalf("expected true")
	}
}
