package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tickerchat/auth/internal/models"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")

	// ErrUsernameTaken indicates a user row with the same username already
	// exists. Enforced by the store, not by a check-then-act in callers.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrCredentialExists indicates a credential id collision on insert.
	ErrCredentialExists = errors.New("credential already registered")

	// ErrChallengeExists indicates a challenge lookup-key collision on insert.
	// The randomness source makes this effectively unreachable; it is treated
	// as fatal to the ceremony rather than silently overwritten.
	ErrChallengeExists = errors.New("challenge id collision")

	// ErrCounterRegression indicates a credential usage update whose reported
	// sign count did not strictly increase. The stored counter is untouched.
	ErrCounterRegression = errors.New("sign count did not increase")
)

// UserStore persists user identity records. Lookups are exact and
// case-sensitive.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateProfileImage(ctx context.Context, userID, imageRef string) error
}

// CredentialStore persists registered authenticator credentials.
type CredentialStore interface {
	ListCredentials(ctx context.Context, userID string) ([]models.Credential, error)

	// GetCredential looks up a credential by id scoped to its owner, so a
	// credential belonging to one user cannot be matched under another
	// user's login attempt.
	GetCredential(ctx context.Context, credentialID, userID string) (*models.Credential, error)

	InsertCredential(ctx context.Context, credential *models.Credential) error

	// UpdateCredentialUsage advances the sign counter and last-used time.
	// The write only applies when newCount is strictly greater than the
	// stored counter, or both are zero (counter-less authenticator).
	// Otherwise it returns ErrCounterRegression and changes nothing.
	UpdateCredentialUsage(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error
}

// ChallengeStore persists single-use ceremony challenges.
type ChallengeStore interface {
	InsertChallenge(ctx context.Context, challenge *models.Challenge) error

	// LatestChallengeForUser returns the most recently issued unexpired
	// challenge bound to the user, or ErrNotFound. Older unexpired
	// challenges for the same user are not honored.
	LatestChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error)

	// ConsumeChallenge deletes the challenge. Exactly one caller can
	// succeed for a given id; any later call returns ErrNotFound.
	ConsumeChallenge(ctx context.Context, challengeID string) error

	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// RegistrationStore applies the final step of a registration ceremony as a
// single atomic unit: materialize the user row (when new), insert the
// credential, and consume the challenge. A failure of any part leaves no
// partial state behind.
type RegistrationStore interface {
	CompleteRegistration(ctx context.Context, user *models.User, credential *models.Credential, challengeID string) (*models.User, error)
}

// SessionStore persists logged-in sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Store aggregates the persistent concerns backed by a single database,
// giving CompleteRegistration real transactional scope.
type Store interface {
	UserStore
	CredentialStore
	ChallengeStore
	RegistrationStore
}

// AvatarStore persists profile image blobs; user rows hold only the
// returned reference.
type AvatarStore interface {
	PutAvatar(ctx context.Context, userID string, data []byte) (string, error)
	GetAvatar(ctx context.Context, ref string) ([]byte, error)
}
