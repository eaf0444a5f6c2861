package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/worker"
)

func TestClassify_TransientCodesAreRetryable(t *testing.T) {
	transient := []string{
		"08000", // connection_exception
		"08006", // connection_failure
		"40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"57P01", // admin_shutdown
	}
	for _, code := range transient {
		err := classify("claim job", &pgconn.PgError{Code: code, Message: "boom"})
		assert.True(t, worker.IsRetryable(err), "code %s should be retryable", code)
	}
}

func TestClassify_PermanentCodesAreNot(t *testing.T) {
	permanent := []string{
		"23505", // unique_violation
		"23503", // foreign_key_violation
		"22P02", // invalid_text_representation
		"42601", // syntax_error
	}
	for _, code := range permanent {
		err := classify("create job", &pgconn.PgError{Code: code, Message: "boom"})
		assert.False(t, worker.IsRetryable(err), "code %s should not be retryable", code)
	}
}

func TestClassify_PreservesErrorChain(t *testing.T) {
	cause := &pgconn.PgError{Code: "08006", Message: "server closed the connection"}
	err := classify("heartbeat", cause)

	require.Error(t, err)
	assert.True(t, worker.IsRetryable(err))

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr), "original driver error should stay in the chain")
	assert.Equal(t, "08006", pgErr.Code)
	assert.Contains(t, err.Error(), "failed to heartbeat")
}

func TestClassify_ContextCancellationIsNotRetryable(t *testing.T) {
	err := classify("list events", context.Canceled)
	assert.False(t, worker.IsRetryable(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassify_NilPassesThrough(t *testing.T) {
	assert.NoError(t, classify("anything", nil))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("not a pg error")))
}

func TestIsForeignKeyViolation(t *testing.T) {
	fkErr := &pgconn.PgError{
		Code:           "23503",
		ConstraintName: "jobs_conversation_id_fkey",
		Message:        `insert or update on table "jobs" violates foreign key constraint`,
	}

	assert.True(t, isForeignKeyViolation(fkErr, "conversation_id"))
	assert.True(t, isForeignKeyViolation(fkErr, ""), "empty column matches any FK violation")
	assert.False(t, isForeignKeyViolation(fkErr, "parent_job_id"))
	assert.False(t, isForeignKeyViolation(&pgconn.PgError{Code: "23505"}, "conversation_id"))
}
