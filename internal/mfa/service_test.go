package mfa

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

const (
	testUserID   = int64(7)
	testPassword = "hunter2"
)

type accountsStub struct {
	password string
	email    string
}

func (a accountsStub) VerifyPassword(_ context.Context, _ int64, password string) error {
	if password != a.password {
		return shared.ErrInvalidCredentials
	}
	return nil
}

func (a accountsStub) Email(_ context.Context, _ int64) (string, error) {
	return a.email, nil
}

// memMFARepo implements Repository and TxRepository in memory.
type memMFARepo struct {
	configs    map[int64]*Configuration
	challenges map[int64]*Challenge
	codes      []*BackupCode
	audits     []shared.AuditLog
	nextID     int64
}

func newMemMFARepo() *memMFARepo {
	return &memMFARepo{
		configs:    map[int64]*Configuration{},
		challenges: map[int64]*Challenge{},
	}
}

func (m *memMFARepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memMFARepo) GetConfiguration(_ context.Context, userID int64) (*Configuration, error) {
	cfg, ok := m.configs[userID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (m *memMFARepo) UpdateFailureState(_ context.Context, userID int64, failedAttempts int, lockedUntil *time.Time) error {
	cfg, ok := m.configs[userID]
	if !ok {
		return shared.ErrNotFound
	}
	cfg.FailedAttempts = failedAttempts
	cfg.LockedUntil = lockedUntil
	return nil
}

func (m *memMFARepo) MarkVerified(_ context.Context, userID int64, at time.Time) error {
	cfg, ok := m.configs[userID]
	if !ok {
		return shared.ErrNotFound
	}
	cfg.FailedAttempts = 0
	cfg.LockedUntil = nil
	cfg.LastUsedAt = &at
	return nil
}

func (m *memMFARepo) CreateChallenge(_ context.Context, ch *Challenge) error {
	m.nextID++
	ch.ID = m.nextID
	ch.CreatedAt = time.Now().UTC()
	clone := *ch
	m.challenges[ch.ID] = &clone
	return nil
}

func (m *memMFARepo) GetChallengeByToken(_ context.Context, token string) (*Challenge, error) {
	for _, ch := range m.challenges {
		if ch.ChallengeToken == token {
			clone := *ch
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memMFARepo) IncrementChallengeAttempts(_ context.Context, id int64) (int, error) {
	ch, ok := m.challenges[id]
	if !ok {
		return 0, shared.ErrNotFound
	}
	ch.Attempts++
	return ch.Attempts, nil
}

func (m *memMFARepo) CompleteChallenge(_ context.Context, id int64, at time.Time) (bool, error) {
	ch, ok := m.challenges[id]
	if !ok {
		return false, shared.ErrNotFound
	}
	if ch.CompletedAt != nil {
		return false, nil
	}
	ch.CompletedAt = &at
	return true, nil
}

func (m *memMFARepo) ListUnusedBackupCodes(_ context.Context, userID int64) ([]BackupCode, error) {
	return m.listCodes(userID, false), nil
}

func (m *memMFARepo) ListUsedBackupCodes(_ context.Context, userID int64) ([]BackupCode, error) {
	return m.listCodes(userID, true), nil
}

func (m *memMFARepo) listCodes(userID int64, used bool) []BackupCode {
	var out []BackupCode
	for _, code := range m.codes {
		if code.UserID != userID || (code.UsedAt != nil) != used {
			continue
		}
		out = append(out, *code)
	}
	return out
}

func (m *memMFARepo) MarkBackupCodeUsed(_ context.Context, id int64, at time.Time, ip, userAgent string) (bool, error) {
	for _, code := range m.codes {
		if code.ID != id {
			continue
		}
		if code.UsedAt != nil {
			return false, nil
		}
		code.UsedAt = &at
		code.UsedIPAddress = ip
		code.UsedUserAgent = userAgent
		return true, nil
	}
	return false, shared.ErrNotFound
}

func (m *memMFARepo) CountBackupCodes(_ context.Context, userID int64) (int, int, error) {
	total := len(m.listCodes(userID, false)) + len(m.listCodes(userID, true))
	return total, len(m.listCodes(userID, false)), nil
}

func (m *memMFARepo) DeleteExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	var deleted int64
	for id, ch := range m.challenges {
		if ch.Expired(now) || ch.CompletedAt != nil {
			delete(m.challenges, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memMFARepo) UpsertConfiguration(_ context.Context, cfg *Configuration) error {
	clone := *cfg
	clone.FailedAttempts = 0
	clone.LockedUntil = nil
	m.configs[cfg.UserID] = &clone
	return nil
}

func (m *memMFARepo) InsertBackupCodes(_ context.Context, userID int64, hashes []string) error {
	for _, hash := range hashes {
		m.nextID++
		m.codes = append(m.codes, &BackupCode{
			ID:        m.nextID,
			UserID:    userID,
			CodeHash:  hash,
			CreatedAt: time.Now().UTC(),
		})
	}
	return nil
}

func (m *memMFARepo) DeleteBackupCodes(_ context.Context, userID int64) error {
	kept := m.codes[:0]
	for _, code := range m.codes {
		if code.UserID != userID {
			kept = append(kept, code)
		}
	}
	m.codes = kept
	return nil
}

func (m *memMFARepo) DeleteConfiguration(_ context.Context, userID int64) error {
	delete(m.configs, userID)
	return nil
}

func (m *memMFARepo) DeletePendingChallenges(_ context.Context, userID int64) error {
	for id, ch := range m.challenges {
		if ch.UserID == userID && ch.CompletedAt == nil {
			delete(m.challenges, id)
		}
	}
	return nil
}

func (m *memMFARepo) RecordAudit(_ context.Context, log shared.AuditLog) error {
	m.audits = append(m.audits, log)
	return nil
}

func (m *memMFARepo) hasAudit(action string) bool {
	for _, log := range m.audits {
		if log.Action == action {
			return true
		}
	}
	return false
}

var _ Repository = (*memMFARepo)(nil)

func newTestService(t *testing.T) (*Service, *memMFARepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cipher, err := NewSecretCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	repo := newMemMFARepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, NewSetupCache(client, time.Minute), cipher,
		accountsStub{password: testPassword, email: "finance@example.com"}, nil, logger,
		Config{
			SetupTTL:     time.Minute,
			ChallengeTTL: 5 * time.Minute,
		})
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	return svc, repo
}

// seedEnabled installs an enabled configuration with a known TOTP secret.
func seedEnabled(t *testing.T, svc *Service, repo *memMFARepo) []byte {
	t.Helper()
	secret := []byte("12345678901234567890")
	encrypted, err := svc.cipher.Encrypt(secret)
	require.NoError(t, err)
	verified := svc.now().UTC()
	repo.configs[testUserID] = &Configuration{
		UserID:          testUserID,
		SecretEncrypted: encrypted,
		IsEnabled:       true,
		VerifiedAt:      &verified,
	}
	return secret
}

func validCode(svc *Service, secret []byte) string {
	return hotpCode(secret, svc.now().Unix()/30)
}

func wrongCode(svc *Service, secret []byte) string {
	code := []byte(validCode(svc, secret))
	// Stay outside the skew window no matter which digit the neighbours share.
	if code[0] == '9' {
		code[0] = '0'
	} else {
		code[0]++
	}
	for _, step := range []int64{-1, 1} {
		if string(code) == hotpCode(secret, svc.now().Unix()/30+step) {
			code[1] = code[0]
		}
	}
	return string(code)
}

func seedBackupCodes(t *testing.T, repo *memMFARepo, plaintexts ...string) {
	t.Helper()
	hashes := make([]string, 0, len(plaintexts))
	for _, code := range plaintexts {
		hash, err := HashBackupCode(code)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	require.NoError(t, repo.InsertBackupCodes(context.Background(), testUserID, hashes))
}

func TestSetupFlow(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.InitiateSetup(ctx, testUserID, "wrong")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	material, err := svc.InitiateSetup(ctx, testUserID, testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, material.SetupToken)
	require.Contains(t, material.ProvisionURI, material.SecretBase32)

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(material.SecretBase32)
	require.NoError(t, err)

	_, err = svc.VerifySetup(ctx, material.SetupToken, wrongCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	codes, err := svc.VerifySetup(ctx, material.SetupToken, validCode(svc, secret))
	require.NoError(t, err)
	require.Len(t, codes, 10)

	cfg, err := repo.GetConfiguration(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled)
	assert.NotNil(t, cfg.VerifiedAt)
	assert.True(t, repo.hasAudit(shared.AuditMFAEnabled))

	status, err := svc.Status(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 10, status.BackupCodesLeft)

	// The setup token is single-use.
	_, err = svc.VerifySetup(ctx, material.SetupToken, validCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrNotFound)

	// Re-enrolment while enabled is rejected.
	_, err = svc.InitiateSetup(ctx, testUserID, testPassword)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestVerifyTOTPCompletesChallenge(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	secret := seedEnabled(t, svc, repo)

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)

	userID, err := svc.VerifyTOTP(ctx, ch.ChallengeToken, validCode(svc, secret))
	require.NoError(t, err)
	assert.Equal(t, testUserID, userID)
	assert.NotNil(t, repo.challenges[ch.ID].CompletedAt)
	assert.NotNil(t, repo.configs[testUserID].LastUsedAt)

	// A completed challenge cannot be replayed.
	_, err = svc.VerifyTOTP(ctx, ch.ChallengeToken, validCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestLockoutAfterFifthFailure(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	secret := seedEnabled(t, svc, repo)

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = svc.VerifyTOTP(ctx, ch.ChallengeToken, wrongCode(svc, secret))
		require.ErrorIs(t, err, shared.ErrUnauthorized, "failure %d must not lock yet", i+1)
	}
	require.Nil(t, repo.configs[testUserID].LockedUntil)
	require.Equal(t, 4, repo.configs[testUserID].FailedAttempts)

	_, err = svc.VerifyTOTP(ctx, ch.ChallengeToken, wrongCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrTooManyRequests)

	locked := repo.configs[testUserID].LockedUntil
	require.NotNil(t, locked)
	assert.Equal(t, svc.now().UTC().Add(30*time.Minute), *locked)
	assert.True(t, repo.hasAudit(shared.AuditMFALockout))
}

func TestLockedAccountRejectsWithoutConsumingAttempts(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	secret := seedEnabled(t, svc, repo)

	first, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)
	spare, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = svc.VerifyTOTP(ctx, first.ChallengeToken, wrongCode(svc, secret))
		require.Error(t, err)
	}
	require.NotNil(t, repo.configs[testUserID].LockedUntil)

	// The lockout gate fires before any attempt is charged.
	_, err = svc.VerifyTOTP(ctx, spare.ChallengeToken, validCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrTooManyRequests)
	assert.Equal(t, 0, repo.challenges[spare.ID].Attempts)

	// No new challenges while locked.
	_, err = svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.ErrorIs(t, err, shared.ErrTooManyRequests)
}

func TestExpiredLockoutClearsOnNextChallenge(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedEnabled(t, svc, repo)

	past := svc.now().Add(-time.Minute).UTC()
	repo.configs[testUserID].FailedAttempts = 5
	repo.configs[testUserID].LockedUntil = &past

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, 0, repo.configs[testUserID].FailedAttempts)
	assert.Nil(t, repo.configs[testUserID].LockedUntil)
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedEnabled(t, svc, repo)
	seedBackupCodes(t, repo, "AAAA-BBBB", "CCCC-DDDD")

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)

	userID, err := svc.VerifyBackupCode(ctx, ch.ChallengeToken, "aaaa-bbbb", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	assert.Equal(t, testUserID, userID)
	assert.True(t, repo.hasAudit(shared.AuditBackupCodeUsed))

	used, err := svc.ListUsedBackupCodes(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, "10.0.0.1", used[0].IPAddress)
	assert.Equal(t, "cli/1.0", used[0].UserAgent)

	// Reuse fails; the remaining code still works.
	second, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.VerifyBackupCode(ctx, second.ChallengeToken, "AAAA-BBBB", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = svc.VerifyBackupCode(ctx, second.ChallengeToken, "CCCC-DDDD", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
}

func TestExportBackupCodesStateCountsOnly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedEnabled(t, svc, repo)
	seedBackupCodes(t, repo, "AAAA-BBBB", "CCCC-DDDD", "EEEE-FFFF")

	state, err := svc.ExportBackupCodesState(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, BackupCodesState{Total: 3, Remaining: 3, Used: 0}, state)

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.VerifyBackupCode(ctx, ch.ChallengeToken, "AAAA-BBBB", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	state, err = svc.ExportBackupCodesState(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, BackupCodesState{Total: 3, Remaining: 2, Used: 1}, state)

	// The wire form carries counts and nothing resembling code material.
	payload, err := json.Marshal(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3,"remaining":2,"used":1}`, string(payload))
	for _, code := range []string{"AAAA-BBBB", "CCCC-DDDD", "EEEE-FFFF"} {
		assert.NotContains(t, string(payload), code)
	}
}

func TestExportBackupCodesStateRequiresEnabledMFA(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ExportBackupCodesState(context.Background(), testUserID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestExpiredChallengeRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	secret := seedEnabled(t, svc, repo)

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)

	base := svc.now()
	svc.now = func() time.Time { return base.Add(6 * time.Minute) }
	_, err = svc.VerifyTOTP(ctx, ch.ChallengeToken, validCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.Equal(t, 0, repo.challenges[ch.ID].Attempts)
}

func TestUnknownChallengeToken(t *testing.T) {
	svc, repo := newTestService(t)
	seedEnabled(t, svc, repo)

	_, err := svc.VerifyTOTP(context.Background(), "no-such-token", "123456")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDisableMFARequiresBothFactors(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	secret := seedEnabled(t, svc, repo)
	seedBackupCodes(t, repo, "AAAA-BBBB")

	err := svc.DisableMFA(ctx, testUserID, "wrong", validCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	err = svc.DisableMFA(ctx, testUserID, testPassword, wrongCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	require.NoError(t, svc.DisableMFA(ctx, testUserID, testPassword, validCode(svc, secret)))
	_, err = repo.GetConfiguration(ctx, testUserID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, repo.listCodes(testUserID, false))
	assert.True(t, repo.hasAudit(shared.AuditMFADisabled))

	// Gone means gone: a second disable has nothing to act on.
	err = svc.DisableMFA(ctx, testUserID, testPassword, validCode(svc, secret))
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRegenerateBackupCodesReplacesBatch(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	secret := seedEnabled(t, svc, repo)
	seedBackupCodes(t, repo, "AAAA-BBBB")

	codes, err := svc.RegenerateBackupCodes(ctx, testUserID, testPassword, validCode(svc, secret))
	require.NoError(t, err)
	require.Len(t, codes, 10)
	assert.True(t, repo.hasAudit(shared.AuditBackupCodesReissued))

	// The old code was replaced along with everything else.
	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.VerifyBackupCode(ctx, ch.ChallengeToken, "AAAA-BBBB", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = svc.VerifyBackupCode(ctx, ch.ChallengeToken, codes[0], "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
}

func TestStatusForUserWithoutMFA(t *testing.T) {
	svc, _ := newTestService(t)
	status, err := svc.Status(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Nil(t, status.LockedUntil)
}

func TestMalformedCodesDoNotConsumeAttempts(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedEnabled(t, svc, repo)

	ch, err := svc.CreateChallenge(ctx, testUserID, "10.0.0.1")
	require.NoError(t, err)

	for _, code := range []string{"", "12345", "abcdef"} {
		_, err = svc.VerifyTOTP(ctx, ch.ChallengeToken, code)
		require.ErrorIs(t, err, shared.ErrBadRequest)
	}
	assert.Equal(t, 0, repo.challenges[ch.ID].Attempts)
}
