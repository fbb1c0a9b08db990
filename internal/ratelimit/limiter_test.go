// limiter_test.go
package ratelimit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/ratelimit"
	"github.com/agencydash/warden/internal/store"
	"github.com/agencydash/warden/internal/testutil"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, users ...*store.User) (*ratelimit.Limiter, *testutil.MemStore, *testutil.Clock) {
	t.Helper()
	ms := testutil.NewMemStore(users...)
	clock := testutil.NewClock(testutil.BaseTime)
	rec := audit.New(ms)
	rec.Now = clock.Now
	l := ratelimit.New(ms, ms, rec, []byte("0123456789abcdef0123456789abcdef"))
	l.Now = clock.Now
	return l, ms, clock
}

// --- Check / Record ---

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh identifier is allowed with max-1 remaining", func(t *testing.T) {
		l, _, _ := newLimiter(t)
		d, err := l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 9, d.Remaining)
	})

	t.Run("counts down within the window", func(t *testing.T) {
		l, _, clock := newLimiter(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginIP, "198.51.100.4"))
			clock.Advance(time.Second)
		}
		d, err := l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 7, d.Remaining)
	})

	t.Run("reaching max locks for the lockout period", func(t *testing.T) {
		l, _, clock := newLimiter(t)
		for i := 0; i < 10; i++ {
			d, err := l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
			require.NoError(t, err)
			require.True(t, d.Allowed, "attempt %d should be allowed", i+1)
			require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginIP, "198.51.100.4"))
			clock.Advance(10 * time.Second)
		}

		d, err := l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.Locked)
		assert.Equal(t, 15*time.Minute, d.RetryAfter)
		assert.Equal(t, 900, d.RetryAfterSeconds())

		clock.Advance(5 * time.Minute)
		d, err = l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 10*time.Minute, d.RetryAfter)
	})

	t.Run("served lockout resets the counter", func(t *testing.T) {
		l, ms, clock := newLimiter(t)
		for i := 0; i < 10; i++ {
			require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginIP, "198.51.100.4"))
		}
		d, err := l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		require.True(t, d.Locked)

		clock.Advance(15*time.Minute + time.Second)
		d, err = l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 9, d.Remaining)
		assert.Empty(t, ms.RateLimits)
	})

	t.Run("elapsed window resets without locking", func(t *testing.T) {
		l, _, clock := newLimiter(t)
		for i := 0; i < 9; i++ {
			require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginIP, "198.51.100.4"))
		}
		clock.Advance(16 * time.Minute)

		d, err := l.Check(ctx, ratelimit.ScopeLoginIP, "198.51.100.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 9, d.Remaining)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		l, _, _ := newLimiter(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginUser, "a@example.com"))
		}
		d, err := l.Check(ctx, ratelimit.ScopeLoginUser, "a@example.com")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		d, err = l.Check(ctx, ratelimit.ScopeMFAUser, "a@example.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("unknown scope is rejected", func(t *testing.T) {
		l, _, _ := newLimiter(t)
		_, err := l.Check(ctx, ratelimit.Scope("bogus"), "x")
		assert.True(t, errors.Is(err, ratelimit.ErrUnknownScope))
		assert.ErrorIs(t, l.Record(ctx, ratelimit.Scope("bogus"), "x"), ratelimit.ErrUnknownScope)
	})

	t.Run("clear drops the counter", func(t *testing.T) {
		l, ms, _ := newLimiter(t)
		require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginUser, "a@example.com"))
		require.NoError(t, l.Clear(ctx, ratelimit.ScopeLoginUser, "a@example.com"))
		assert.Empty(t, ms.RateLimits)
	})
}

func TestKey(t *testing.T) {
	l, ms, _ := newLimiter(t)
	require.NoError(t, l.Record(context.Background(), ratelimit.ScopeLoginUser, "Someone@Example.com"))

	for _, rec := range ms.RateLimits {
		assert.Len(t, rec.KeyHash, 64)
		assert.False(t, strings.Contains(strings.ToLower(rec.KeyHash), "example"), "raw identifier leaked")
		assert.Equal(t, l.Key("Someone@Example.com"), rec.KeyHash)
	}
	assert.NotEqual(t, l.Key("a"), l.Key("b"))

	other := ratelimit.New(ms, ms, audit.New(ms), []byte("another-secret-another-secret-xx"))
	assert.NotEqual(t, l.Key("a"), other.Key("a"), "key must depend on the secret")
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	l, ms, clock := newLimiter(t)

	require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginIP, "idle"))
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, ratelimit.ScopeLoginUser, "locked"))
	}
	ms.RateLimits[l.Key("locked")+"|login_user"].LockedUntil = ptr(clock.Now().Add(48 * time.Hour))

	clock.Advance(25 * time.Hour)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Len(t, ms.RateLimits, 1)
}

// --- Account locks ---

func TestRecordFailedLogin(t *testing.T) {
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV7())
	l, ms, clock := newLimiter(t, &store.User{ID: userID, Email: "lock@example.com"})

	for i := 1; i < 5; i++ {
		until, err := l.RecordFailedLogin(ctx, userID)
		require.NoError(t, err)
		assert.Nil(t, until, "failure %d must not lock", i)
	}

	until, err := l.RecordFailedLogin(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, until)
	assert.Equal(t, clock.Now().Add(30*time.Minute), *until)

	u, err := ms.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.True(t, u.IsLocked(clock.Now()))
	assert.Zero(t, u.FailedLoginCount, "locking restarts the count")

	locked := ms.EventsOfType(string(audit.AccountLocked))
	require.Len(t, locked, 1)
	assert.Contains(t, string(locked[0].Details), "max_failed_logins")

	t.Run("failures after a served lock need a full run to lock again", func(t *testing.T) {
		clock.Advance(31 * time.Minute)
		for i := 1; i < 5; i++ {
			until, err := l.RecordFailedLogin(ctx, userID)
			require.NoError(t, err)
			assert.Nil(t, until, "failure %d after the lock must not lock", i)
		}
		assert.Len(t, ms.EventsOfType(string(audit.AccountLocked)), 1)
	})

	t.Run("unlock clears lock and counter", func(t *testing.T) {
		require.NoError(t, l.UnlockUser(ctx, userID, "admin@example.com"))
		u, err := ms.GetUserByID(ctx, userID)
		require.NoError(t, err)
		assert.False(t, u.IsLocked(clock.Now()))
		assert.Zero(t, u.FailedLoginCount)
		assert.Len(t, ms.EventsOfType(string(audit.AccountUnlocked)), 1)
	})

	t.Run("unknown user surfaces the store error", func(t *testing.T) {
		_, err := l.RecordFailedLogin(ctx, uuid.Must(uuid.NewV7()))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func ptr[T any](v T) *T { return &v }
