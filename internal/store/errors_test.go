package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	pgErr := func(code string) error {
		return fmt.Errorf("write batch: %w", &pgconn.PgError{Code: code})
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "serialization failure", err: pgErr(pgerrcode.SerializationFailure), want: true},
		{name: "deadlock", err: pgErr(pgerrcode.DeadlockDetected), want: true},
		{name: "admin shutdown", err: pgErr(pgerrcode.AdminShutdown), want: true},
		{name: "connection failure", err: pgErr(pgerrcode.ConnectionFailure), want: true},
		{name: "unique violation", err: pgErr(pgerrcode.UniqueViolation), want: false},
		{name: "foreign key", err: pgErr(pgerrcode.ForeignKeyViolation), want: false},
		{name: "bad interval", err: pgErr(pgerrcode.InvalidDatetimeFormat), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.IsRetryable(tt.err))
		})
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("ensure: %w", &pgconn.PgError{Code: pgerrcode.DuplicateDatabase})
	assert.True(t, store.IsCode(err, pgerrcode.DuplicateDatabase))
	assert.False(t, store.IsCode(err, pgerrcode.InvalidCatalogName))
	assert.False(t, store.IsCode(errors.New("x"), pgerrcode.DuplicateDatabase))
}
