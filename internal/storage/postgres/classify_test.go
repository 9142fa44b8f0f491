package postgres

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"lock timeout", &pgconn.PgError{Code: codeLockNotAvailable}, true},
		{"deadlock", &pgconn.PgError{Code: codeDeadlockDetected}, true},
		{"serialization", &pgconn.PgError{Code: codeSerializationFailure}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"business", order.ErrEmptyCart, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unavailable, errors.Is(classify(tt.err), order.ErrUnavailable))
		})
	}
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/checkout", migrateURL("postgres://u:p@db:5432/checkout"))
	assert.Equal(t, "pgx5://u:p@db/checkout", migrateURL("postgresql://u:p@db/checkout"))
	assert.Equal(t, "pgx5://db/x", migrateURL("pgx5://db/x"))
}
