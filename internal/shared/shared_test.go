package shared

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	err  error
	args []any
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestClaimIdempotencyKey(t *testing.T) {
	exec := &fakeExec{}
	require.NoError(t, ClaimIdempotencyKey(context.Background(), exec, " grn-1 ", "inventory.movement"))
	require.Equal(t, []any{"grn-1", "inventory.movement"}, exec.args)

	exec.err = fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	err := ClaimIdempotencyKey(context.Background(), exec, "grn-1", "inventory.movement")
	require.ErrorIs(t, err, ErrIdempotencyConflict)
	require.ErrorIs(t, err, ErrInvalidState)

	exec.err = errors.New("conn closed")
	require.EqualError(t, ClaimIdempotencyKey(context.Background(), exec, "grn-2", "inventory.movement"), "conn closed")

	require.ErrorIs(t, ClaimIdempotencyKey(context.Background(), exec, "", "inventory.movement"), ErrValidation)
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("ledger: %w", NewNotFound("account", 4))
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "account 4")

	var ise error = &InvalidStateError{Entity: "stock count", ID: 1, State: "COMPLETED"}
	require.ErrorIs(t, ise, ErrInvalidState)
	require.NotErrorIs(t, ise, ErrNotFound)

	ce := &ConsistencyError{Entity: "account", ID: 2, Violations: []string{"a", "b"}}
	require.ErrorIs(t, ce, ErrConsistency)
	require.Contains(t, ce.Error(), "a; b")
}

func TestActorMiddleware(t *testing.T) {
	var seen int64
	h := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
	}))

	for header, want := range map[string]int64{"42": 42, "": 0, "abc": 0, "-3": 0} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(ActorHeader, header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		require.Equal(t, want, seen, "header %q", header)
	}
}
