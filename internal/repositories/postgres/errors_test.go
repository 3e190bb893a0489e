package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestWrapErrorClassifiesPgErrors(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, notFound: true},
		{name: "unique violation", err: &pgconn.PgError{Code: sqlStateUniqueViolation}, conflict: true},
		{name: "serialization", err: &pgconn.PgError{Code: sqlStateSerialization}, conflict: true},
		{name: "too many connections", err: &pgconn.PgError{Code: sqlStateTooManyConnections}, unavailable: true},
		{name: "other pg error", err: &pgconn.PgError{Code: "42P01"}},
		{name: "plain", err: errors.New("boom")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := wrapError("op", tc.err)
			var repoErr *Error
			require.ErrorAs(t, wrapped, &repoErr)
			require.Equal(t, tc.notFound, repoErr.IsNotFound())
			require.Equal(t, tc.conflict, repoErr.IsConflict())
			require.Equal(t, tc.unavailable, repoErr.IsUnavailable())
			require.ErrorIs(t, wrapped, tc.err)
		})
	}
}

func TestWrapErrorPassesThroughContextErrors(t *testing.T) {
	require.Equal(t, context.Canceled, wrapError("op", context.Canceled))
	require.Equal(t, context.DeadlineExceeded, wrapError("op", context.DeadlineExceeded))
	require.NoError(t, wrapError("op", nil))
}

func TestBuildOrderFilter(t *testing.T) {
	where, args := buildOrderFilter(emptyFilter())
	require.Empty(t, where)
	require.Empty(t, args)

	filter := emptyFilter()
	status := "shipped"
	filter.Status = statusPtr(status)
	filter.Search = "ana_50%"
	where, args = buildOrderFilter(filter)
	require.Equal(t, " WHERE status = $1 AND (order_number ILIKE $2 OR buyer_name ILIKE $2 OR buyer_email ILIKE $2)", where)
	require.Equal(t, []any{"shipped", `%ana\_50\%%`}, args)
}
