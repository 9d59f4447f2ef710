package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerchat/auth/internal/models"
	"github.com/tickerchat/auth/internal/storage"
)

// fakeVerifier stands in for the WebAuthn library. A ceremony response is the
// plain string "credentialID|challengeValue"; verification checks that the
// response's challenge matches the one the orchestrator fetched, mirroring a
// signature check over the challenge.
type fakeVerifier struct {
	seq          atomic.Int64
	signCount    uint32
	newSignCount uint32
	cloneWarning bool
	failVerify   bool
}

func fakeResponse(credentialID, challengeValue string) []byte {
	return []byte(credentialID + "|" + challengeValue)
}

func splitResponse(response []byte) (credentialID, challengeValue string, err error) {
	parts := strings.SplitN(string(response), "|", 2)
	if len(parts) != 2 {
		return "", "", errors.New("malformed response")
	}
	return parts[0], parts[1], nil
}

func (f *fakeVerifier) mint(userID string, ttl time.Duration) *models.Challenge {
	value := fmt.Sprintf("challenge-%d", f.seq.Add(1))
	now := time.Now()
	return &models.Challenge{
		ID:        value,
		UserID:    userID,
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

func (f *fakeVerifier) RegistrationOptions(user *models.User, exclude []models.Credential, ttl time.Duration) (*protocol.CredentialCreation, *models.Challenge, error) {
	return &protocol.CredentialCreation{}, f.mint(user.ID, ttl), nil
}

func (f *fakeVerifier) LoginOptions(user *models.User, allow []models.Credential, ttl time.Duration) (*protocol.CredentialAssertion, *models.Challenge, error) {
	userID := ""
	if user != nil {
		userID = user.ID
	}
	return &protocol.CredentialAssertion{}, f.mint(userID, ttl), nil
}

func (f *fakeVerifier) VerifyRegistration(user *models.User, challenge *models.Challenge, response []byte) (*VerifiedRegistration, error) {
	credentialID, challengeValue, err := splitResponse(response)
	if err != nil {
		return nil, err
	}
	if f.failVerify || challengeValue != challenge.Value {
		return nil, errors.New("attestation check failed")
	}
	return &VerifiedRegistration{
		CredentialID: credentialID,
		PublicKey:    []byte("public-key-" + credentialID),
		SignCount:    f.signCount,
	}, nil
}

func (f *fakeVerifier) VerifyAuthentication(user *models.User, challenge *models.Challenge, credential *models.Credential, response []byte) (*VerifiedAuthentication, error) {
	_, challengeValue, err := splitResponse(response)
	if err != nil {
		return nil, err
	}
	if f.failVerify || challengeValue != challenge.Value {
		return nil, errors.New("assertion check failed")
	}
	return &VerifiedAuthentication{
		NewSignCount: f.newSignCount,
		CloneWarning: f.cloneWarning,
	}, nil
}

func (f *fakeVerifier) AssertedCredentialID(response []byte) (string, error) {
	credentialID, _, err := splitResponse(response)
	return credentialID, err
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *fakeVerifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	verifier := &fakeVerifier{}
	return NewService(store, store, nil, verifier, "7777"), store, verifier
}

// register runs a full successful registration ceremony.
func register(t *testing.T, svc *Service, store *storage.MemoryStore, username, credentialID string) *models.User {
	t.Helper()
	ctx := context.Background()

	_, userID, err := svc.BeginRegistration(ctx, username, "")
	require.NoError(t, err)

	challenge, err := store.LatestChallengeForUser(ctx, userID)
	require.NoError(t, err)

	user, err := svc.FinishRegistration(ctx, fakeResponse(credentialID, challenge.Value), userID, username, nil)
	require.NoError(t, err)
	return user
}

// login runs a full login ceremony and returns the finish error.
func login(t *testing.T, svc *Service, store *storage.MemoryStore, username, credentialID string) (*models.User, error) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.BeginLogin(ctx, username)
	require.NoError(t, err)

	user, err := svc.FinishLogin(ctx, currentLoginResponse(t, store, username, credentialID), username)
	return user, err
}

func currentLoginResponse(t *testing.T, store *storage.MemoryStore, username, credentialID string) []byte {
	t.Helper()
	user, err := store.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)
	challenge, err := store.LatestChallengeForUser(context.Background(), user.ID)
	require.NoError(t, err)
	return fakeResponse(credentialID, challenge.Value)
}

func TestGatePassword(t *testing.T) {
	svc, _, _ := newTestService(t)

	assert.True(t, svc.VerifyGatePassword("7777"))
	assert.False(t, svc.VerifyGatePassword("1234"))
	assert.False(t, svc.VerifyGatePassword(""))
}

func TestRegistrationCreatesUserAndCredential(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")
	assert.Equal(t, "alice", user.Username)
	assert.NotEmpty(t, user.ID)

	creds, err := store.ListCredentials(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "cred-a", creds[0].CredentialID)
	assert.Equal(t, uint32(0), creds[0].SignCount)
	assert.Nil(t, creds[0].LastUsedAt)
}

func TestRegistrationReusesExistingUserID(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")

	// Second device for the same username keeps the identifier.
	_, userID, err := svc.BeginRegistration(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	challenge, err := store.LatestChallengeForUser(ctx, userID)
	require.NoError(t, err)
	_, err = svc.FinishRegistration(ctx, fakeResponse("cred-b", challenge.Value), userID, "alice", nil)
	require.NoError(t, err)

	creds, err := store.ListCredentials(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestFinishRegistrationWithoutChallenge(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.FinishRegistration(context.Background(), fakeResponse("cred-a", "whatever"), "no-such-user", "alice", nil)
	assert.ErrorIs(t, err, ErrChallengeNotFoundOrExpired)
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, userID, err := svc.BeginRegistration(ctx, "alice", "")
	require.NoError(t, err)
	challenge, err := store.LatestChallengeForUser(ctx, userID)
	require.NoError(t, err)

	// Age the challenge past its expiry.
	require.NoError(t, store.ConsumeChallenge(ctx, challenge.ID))
	expired := *challenge
	expired.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.InsertChallenge(ctx, &expired))

	_, err = svc.FinishRegistration(ctx, fakeResponse("cred-a", challenge.Value), userID, "alice", nil)
	assert.ErrorIs(t, err, ErrChallengeNotFoundOrExpired)
}

func TestRegistrationVerifierFailure(t *testing.T) {
	svc, store, verifier := newTestService(t)
	ctx := context.Background()

	_, userID, err := svc.BeginRegistration(ctx, "alice", "")
	require.NoError(t, err)
	challenge, err := store.LatestChallengeForUser(ctx, userID)
	require.NoError(t, err)

	verifier.failVerify = true
	_, err = svc.FinishRegistration(ctx, fakeResponse("cred-a", challenge.Value), userID, "alice", nil)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	// No user materialized, challenge still live for a retry.
	_, err = store.GetUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.LatestChallengeForUser(ctx, userID)
	assert.NoError(t, err)
}

func TestConcurrentRegistrationsSameUsername(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// Two racing registration attempts for the same username get distinct
	// pending identities.
	_, firstID, err := svc.BeginRegistration(ctx, "alice", "")
	require.NoError(t, err)
	firstChallenge, err := store.LatestChallengeForUser(ctx, firstID)
	require.NoError(t, err)

	_, secondID, err := svc.BeginRegistration(ctx, "alice", "")
	require.NoError(t, err)
	require.NotEqual(t, firstID, secondID)
	secondChallenge, err := store.LatestChallengeForUser(ctx, secondID)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, fakeResponse("cred-a", firstChallenge.Value), firstID, "alice", nil)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(ctx, fakeResponse("cred-b", secondChallenge.Value), secondID, "alice", nil)
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLoginAdvancesCounterAndConsumesChallenge(t *testing.T) {
	svc, store, verifier := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")

	_, err := svc.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	verifier.newSignCount = 1

	response := currentLoginResponse(t, store, "alice", "cred-a")
	got, err := svc.FinishLogin(ctx, response, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	cred, err := store.GetCredential(ctx, "cred-a", user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cred.SignCount)
	require.NotNil(t, cred.LastUsedAt)

	// Replaying the identical response fails: the challenge is gone.
	_, err = svc.FinishLogin(ctx, response, "alice")
	assert.ErrorIs(t, err, ErrChallengeNotFoundOrExpired)

	// And the counter did not move.
	cred, err = store.GetCredential(ctx, "cred-a", user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cred.SignCount)
}

func TestLoginCounterRegression(t *testing.T) {
	svc, store, verifier := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")

	verifier.newSignCount = 5
	_, err := login(t, svc, store, "alice", "cred-a")
	require.NoError(t, err)

	// The authenticator reports a counter that does not strictly increase;
	// the library flags it as a clone.
	verifier.newSignCount = 5
	verifier.cloneWarning = true
	_, err = login(t, svc, store, "alice", "cred-a")
	assert.ErrorIs(t, err, ErrReplaySuspected)

	cred, err := store.GetCredential(ctx, "cred-a", user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cred.SignCount)
}

func TestLoginCounterRegressionAtStore(t *testing.T) {
	svc, store, verifier := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")

	verifier.newSignCount = 5
	_, err := login(t, svc, store, "alice", "cred-a")
	require.NoError(t, err)

	// A stale verifier report that slips past the clone flag still loses
	// at the conditional store write.
	verifier.newSignCount = 3
	_, err = login(t, svc, store, "alice", "cred-a")
	assert.ErrorIs(t, err, ErrReplaySuspected)

	cred, err := store.GetCredential(ctx, "cred-a", user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cred.SignCount)
}

func TestLoginCounterlessAuthenticator(t *testing.T) {
	svc, store, verifier := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")

	// Authenticator never implements a counter: stays at zero, never
	// flagged as replay.
	verifier.newSignCount = 0
	_, err := login(t, svc, store, "alice", "cred-a")
	require.NoError(t, err)

	_, err = login(t, svc, store, "alice", "cred-a")
	require.NoError(t, err)

	cred, err := store.GetCredential(ctx, "cred-a", user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), cred.SignCount)
}

func TestBeginLoginUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	// Options come back without error so existence is not revealed here.
	options, err := svc.BeginLogin(context.Background(), "bob")
	require.NoError(t, err)
	assert.NotNil(t, options)
}

func TestFinishLoginUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.FinishLogin(context.Background(), fakeResponse("cred-a", "whatever"), "bob")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFinishLoginForeignCredential(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	register(t, svc, store, "alice", "cred-a")
	register(t, svc, store, "bob", "cred-b")

	// Bob's credential presented under Alice's login attempt.
	_, err := svc.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	response := currentLoginResponse(t, store, "alice", "cred-b")
	_, err = svc.FinishLogin(ctx, response, "alice")
	assert.ErrorIs(t, err, ErrCredentialNotRegistered)
}

func TestMostRecentChallengeWins(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	register(t, svc, store, "alice", "cred-a")

	_, err := svc.BeginLogin(ctx, "alice")
	require.NoError(t, err)
	stale := currentLoginResponse(t, store, "alice", "cred-a")

	// Client re-requested options; only the latest challenge is honored.
	_, err = svc.BeginLogin(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.FinishLogin(ctx, stale, "alice")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	fresh := currentLoginResponse(t, store, "alice", "cred-a")
	_, err = svc.FinishLogin(ctx, fresh, "alice")
	assert.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	user := register(t, svc, store, "alice", "cred-a")

	session, err := svc.CreateSession(ctx, user)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)

	got, err := svc.UserFromSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	require.NoError(t, svc.Logout(ctx, session.ID))
	_, err = svc.UserFromSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
