package repository

import (
	"errors"
	"testing"

	"github.com/lib/pq"

	"github.com/hitoshi/idreconcile/internal/model"
)

func TestWrapWriteError_UniqueViolation(t *testing.T) {
	cause := &pq.Error{Code: "23505", Constraint: "users_tenant_email_key", Message: "duplicate key value"}

	err := wrapWriteError("insert user", cause)

	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	var re *model.ReconcileError
	if !errors.As(err, &re) {
		t.Fatalf("expected *model.ReconcileError, got %T", err)
	}
	if re.Message == "" || !errors.Is(err, cause) {
		t.Errorf("expected wrapped pq error, got %v", err)
	}
}

func TestWrapWriteError_ForeignKeyViolationWithoutConstraintName(t *testing.T) {
	err := wrapWriteError("repoint", &pq.Error{Code: "23503"})
	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestWrapWriteError_OtherErrorsAreNotConstraintViolations(t *testing.T) {
	tests := []error{
		&pq.Error{Code: "08006"}, // connection_failure
		errors.New("driver: bad connection"),
	}
	for _, cause := range tests {
		err := wrapWriteError("delete user", cause)
		if IsConstraintViolation(err) {
			t.Errorf("wrapWriteError(%v) classified as constraint violation", cause)
		}
		if !errors.Is(err, cause) {
			t.Errorf("wrapWriteError(%v) lost the cause", cause)
		}
	}
}
