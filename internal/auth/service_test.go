package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

type memUsers struct {
	users map[int64]*User
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	for _, user := range m.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memUsers) FindByID(_ context.Context, id int64) (*User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func newAuthService(t *testing.T, resetMinLatency time.Duration) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &memUsers{users: map[int64]*User{
		1: {ID: 1, Email: "finance@example.com", PasswordHash: string(hash), OrganizationID: 3, IsActive: true},
		2: {ID: 2, Email: "gone@example.com", PasswordHash: string(hash), OrganizationID: 3, IsActive: false},
	}}
	return NewService(repo, nil, nil, resetMinLatency)
}

func TestAuthenticate(t *testing.T) {
	svc := newAuthService(t, 0)
	ctx := context.Background()

	user, err := svc.Authenticate(ctx, "finance@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, int64(3), user.OrganizationID)
}

// Every failure mode must collapse onto the same error so responses cannot be
// used to probe which accounts exist.
func TestAuthenticateFailuresAreUniform(t *testing.T) {
	svc := newAuthService(t, 0)
	ctx := context.Background()

	_, wrongPassword := svc.Authenticate(ctx, "finance@example.com", "wrong")
	_, unknownEmail := svc.Authenticate(ctx, "nobody@example.com", "hunter2")
	_, inactive := svc.Authenticate(ctx, "gone@example.com", "hunter2")

	require.ErrorIs(t, wrongPassword, shared.ErrInvalidCredentials)
	assert.Equal(t, wrongPassword, unknownEmail)
	assert.Equal(t, wrongPassword, inactive)
}

func TestVerifyPassword(t *testing.T) {
	svc := newAuthService(t, 0)
	ctx := context.Background()

	require.NoError(t, svc.VerifyPassword(ctx, 1, "hunter2"))
	require.ErrorIs(t, svc.VerifyPassword(ctx, 1, "wrong"), shared.ErrInvalidCredentials)
	require.ErrorIs(t, svc.VerifyPassword(ctx, 2, "hunter2"), shared.ErrInvalidCredentials)
	require.ErrorIs(t, svc.VerifyPassword(ctx, 42, "hunter2"), shared.ErrInvalidCredentials)
}

func TestEmailLookup(t *testing.T) {
	svc := newAuthService(t, 0)
	ctx := context.Background()

	email, err := svc.Email(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "finance@example.com", email)

	_, err = svc.Email(ctx, 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

// The reset endpoint answers in constant shape and no sooner than the floor,
// whether or not the address exists.
func TestRequestPasswordResetHoldsMinimumLatency(t *testing.T) {
	const floor = 40 * time.Millisecond
	svc := newAuthService(t, floor)
	ctx := context.Background()

	for _, email := range []string{"finance@example.com", "nobody@example.com"} {
		start := time.Now()
		require.NoError(t, svc.RequestPasswordReset(ctx, email, "10.0.0.1"))
		assert.GreaterOrEqual(t, time.Since(start), floor, "email %s answered too fast", email)
	}
}

func TestRequestPasswordResetHonoursCancellation(t *testing.T) {
	svc := newAuthService(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.RequestPasswordReset(ctx, "nobody@example.com", "10.0.0.1")
	require.ErrorIs(t, err, context.Canceled)
}
