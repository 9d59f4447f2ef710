package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/tickerchat/auth/internal/models"
	"github.com/tickerchat/auth/internal/storage"
)

const (
	// ChallengeTTL bounds how long a client has between requesting ceremony
	// options and returning the signed response.
	ChallengeTTL = 5 * time.Minute

	// SessionTTL bounds a logged-in session minted after a successful
	// ceremony.
	SessionTTL = 24 * time.Hour
)

// Service orchestrates the registration and authentication ceremonies. All
// ceremony state lives in the store; each call is a single request/response
// step with no in-memory continuation.
type Service struct {
	store        storage.Store
	sessions     storage.SessionStore
	avatars      storage.AvatarStore
	verifier     Verifier
	gatePassword string
	challengeTTL time.Duration
	sessionTTL   time.Duration
}

func NewService(store storage.Store, sessions storage.SessionStore, avatars storage.AvatarStore, verifier Verifier, gatePassword string) *Service {
	return &Service{
		store:        store,
		sessions:     sessions,
		avatars:      avatars,
		verifier:     verifier,
		gatePassword: gatePassword,
		challengeTTL: ChallengeTTL,
		sessionTTL:   SessionTTL,
	}
}

// VerifyGatePassword checks the static shared secret that gates the app.
// This is a coarse pre-check, not part of the cryptographic protocol.
func (s *Service) VerifyGatePassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.gatePassword)) == 1
}

// BeginRegistration issues registration options for the username. For a new
// username a pending identity is allocated but not persisted; the row only
// materializes when the ceremony verifies. The returned user id must be
// echoed back by the client on finish.
func (s *Service) BeginRegistration(ctx context.Context, username, displayName string) (*protocol.CredentialCreation, string, error) {
	var (
		user    *models.User
		exclude []models.Credential
	)

	existing, err := s.store.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		user = existing
		exclude, err = s.store.ListCredentials(ctx, existing.ID)
		if err != nil {
			slog.Error("failed to list credentials for exclusion", "error", err)
			return nil, "", ErrVerificationFailed
		}
	case errors.Is(err, storage.ErrNotFound):
		user = &models.User{
			ID:          uuid.NewString(),
			Username:    username,
			DisplayName: displayName,
		}
		if user.DisplayName == "" {
			user.DisplayName = username
		}
	default:
		slog.Error("failed to look up user", "error", err)
		return nil, "", ErrVerificationFailed
	}

	options, challenge, err := s.verifier.RegistrationOptions(user, exclude, s.challengeTTL)
	if err != nil {
		slog.Error("failed to build registration options", "error", err)
		return nil, "", ErrVerificationFailed
	}

	if err := s.store.InsertChallenge(ctx, challenge); err != nil {
		slog.Error("failed to persist registration challenge", "error", err)
		return nil, "", ErrVerificationFailed
	}

	return options, user.ID, nil
}

// FinishRegistration verifies the attestation response against the latest
// unexpired challenge bound to userID and, on success, materializes the user
// (when new), inserts the credential and consumes the challenge as one atomic
// unit.
func (s *Service) FinishRegistration(ctx context.Context, response []byte, userID, username string, imageData []byte) (*models.User, error) {
	challenge, err := s.store.LatestChallengeForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrChallengeNotFoundOrExpired
		}
		slog.Error("failed to fetch registration challenge", "error", err)
		return nil, ErrVerificationFailed
	}

	user := &models.User{
		ID:          userID,
		Username:    username,
		DisplayName: username,
		CreatedAt:   time.Now(),
	}

	verified, err := s.verifier.VerifyRegistration(user, challenge, response)
	if err != nil {
		slog.Warn("registration verification failed", "username", username, "error", err)
		return nil, ErrVerificationFailed
	}

	if len(imageData) > 0 && s.avatars != nil {
		ref, err := s.avatars.PutAvatar(ctx, userID, imageData)
		if err != nil {
			// The ceremony outcome does not depend on the avatar.
			slog.Warn("failed to store profile image", "error", err)
		} else {
			user.ProfileImage = ref
		}
	}

	credential := &models.Credential{
		UserID:       userID,
		CredentialID: verified.CredentialID,
		PublicKey:    verified.PublicKey,
		SignCount:    verified.SignCount,
		Transports:   verified.Transports,
		CreatedAt:    time.Now(),
	}

	result, err := s.store.CompleteRegistration(ctx, user, credential, challenge.ID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUsernameTaken):
			return nil, ErrUsernameTaken
		case errors.Is(err, storage.ErrNotFound):
			// Challenge consumed by a concurrent finish.
			return nil, ErrChallengeNotFoundOrExpired
		default:
			slog.Error("failed to complete registration", "error", err)
			return nil, ErrVerificationFailed
		}
	}

	slog.Info("registered credential", "username", result.Username, "credentialId", credential.CredentialID)
	return result, nil
}

// BeginLogin issues login options for the username. An unknown username still
// gets syntactically valid options with an empty allow-list and an unbound
// challenge, so its existence is not revealed at this step.
func (s *Service) BeginLogin(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	var (
		user  *models.User
		allow []models.Credential
	)

	existing, err := s.store.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		user = existing
		allow, err = s.store.ListCredentials(ctx, existing.ID)
		if err != nil {
			slog.Error("failed to list credentials for allow-list", "error", err)
			return nil, ErrVerificationFailed
		}
	case errors.Is(err, storage.ErrNotFound):
		// Proceed with an empty allow-list.
	default:
		slog.Error("failed to look up user", "error", err)
		return nil, ErrVerificationFailed
	}

	options, challenge, err := s.verifier.LoginOptions(user, allow, s.challengeTTL)
	if err != nil {
		slog.Error("failed to build login options", "error", err)
		return nil, ErrVerificationFailed
	}

	if err := s.store.InsertChallenge(ctx, challenge); err != nil {
		slog.Error("failed to persist login challenge", "error", err)
		return nil, ErrVerificationFailed
	}

	return options, nil
}

// FinishLogin verifies the assertion response for the username and applies
// the replay rule: the stored counter only advances when the reported one is
// strictly greater (or both are zero for counter-less authenticators). On any
// failure nothing is mutated and the challenge is left to expire.
func (s *Service) FinishLogin(ctx context.Context, response []byte, username string) (*models.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		slog.Error("failed to look up user", "error", err)
		return nil, ErrVerificationFailed
	}

	challenge, err := s.store.LatestChallengeForUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrChallengeNotFoundOrExpired
		}
		slog.Error("failed to fetch login challenge", "error", err)
		return nil, ErrVerificationFailed
	}

	credentialID, err := s.verifier.AssertedCredentialID(response)
	if err != nil {
		slog.Warn("malformed login response", "username", username, "error", err)
		return nil, ErrVerificationFailed
	}

	credential, err := s.store.GetCredential(ctx, credentialID, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCredentialNotRegistered
		}
		slog.Error("failed to fetch credential", "error", err)
		return nil, ErrVerificationFailed
	}

	verified, err := s.verifier.VerifyAuthentication(user, challenge, credential, response)
	if err != nil {
		slog.Warn("login verification failed", "username", username, "error", err)
		return nil, ErrVerificationFailed
	}
	if verified.CloneWarning {
		slog.Warn("cloned authenticator suspected", "username", username,
			"credentialId", credentialID, "storedCount", credential.SignCount, "reportedCount", verified.NewSignCount)
		return nil, ErrReplaySuspected
	}

	if err := s.store.UpdateCredentialUsage(ctx, credentialID, verified.NewSignCount, time.Now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrCounterRegression):
			slog.Warn("cloned authenticator suspected", "username", username, "credentialId", credentialID)
			return nil, ErrReplaySuspected
		default:
			slog.Error("failed to update credential usage", "error", err)
			return nil, ErrVerificationFailed
		}
	}

	if err := s.store.ConsumeChallenge(ctx, challenge.ID); err != nil {
		// Raced with a concurrent finish presenting the same challenge.
		return nil, ErrChallengeNotFoundOrExpired
	}

	return user, nil
}

// CreateSession mints a logged-in session for the user.
func (s *Service) CreateSession(ctx context.Context, user *models.User) (*models.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now()
	session := &models.Session{
		ID:        id,
		UserID:    user.ID,
		Username:  user.Username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// UserFromSession resolves the user behind a session id.
func (s *Service) UserFromSession(ctx context.Context, sessionID string) (*models.User, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Logout deletes the session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.DeleteSession(ctx, sessionID)
}

// SweepExpiredChallenges reaps expired, unconsumed challenges. Purely storage
// hygiene; expired challenges are never honored either way.
func (s *Service) SweepExpiredChallenges(ctx context.Context) error {
	return s.store.DeleteExpiredChallenges(ctx, time.Now())
}

func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
