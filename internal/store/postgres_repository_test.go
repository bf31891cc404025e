package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "serialization failure is retryable",
			err:  &pgconn.PgError{Code: "40001"},
			want: true,
		},
		{
			name: "deadlock is retryable",
			err:  &pgconn.PgError{Code: "40P01"},
			want: true,
		},
		{
			name: "lock not available is retryable",
			err:  &pgconn.PgError{Code: "55P03"},
			want: true,
		},
		{
			name: "wrapped retryable error is detected",
			err:  fmt.Errorf("apply failed: %w", &pgconn.PgError{Code: "40001"}),
			want: true,
		},
		{
			name: "unique violation is not retryable",
			err:  &pgconn.PgError{Code: "23505"},
			want: false,
		},
		{
			name: "sentinel error is not retryable",
			err:  ErrInsufficientBalance,
			want: false,
		},
		{
			name: "plain error is not retryable",
			err:  errors.New("connection reset"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Fatalf("expected retryable=%t, got %t", tt.want, got)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected 23505 to be a unique violation")
	}
	if !IsUniqueViolation(fmt.Errorf("insert failed: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("expected 40001 to not be a unique violation")
	}
	if IsUniqueViolation(errors.New("duplicate key")) {
		t.Fatal("expected plain error to not be a unique violation")
	}
}
