package storage

import (
	"context"
	"sync"
	"time"

	"github.com/tickerchat/auth/internal/models"
)

// MemoryStore is a mutex-guarded in-memory implementation of Store and
// SessionStore. It honors the same uniqueness and at-most-once semantics as
// the SQLite store, so it can back tests and single-node dev setups.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]*models.User       // keyed by user id
	usernames   map[string]string             // username -> user id
	credentials map[string]*models.Credential // keyed by credential id
	challenges  map[string]*models.Challenge  // keyed by challenge id
	sessions    map[string]*models.Session    // keyed by session id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*models.User),
		usernames:   make(map[string]string),
		credentials: make(map[string]*models.Credential),
		challenges:  make(map[string]*models.Challenge),
		sessions:    make(map[string]*models.Session),
	}
}

func (m *MemoryStore) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m.users[id]
	return &clone, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUserLocked(user)
}

func (m *MemoryStore) createUserLocked(user *models.User) error {
	if _, taken := m.usernames[user.Username]; taken {
		return ErrUsernameTaken
	}
	clone := *user
	m.users[user.ID] = &clone
	m.usernames[user.Username] = user.ID
	return nil
}

func (m *MemoryStore) UpdateProfileImage(ctx context.Context, userID, imageRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.ProfileImage = imageRef
	return nil
}

func (m *MemoryStore) ListCredentials(ctx context.Context, userID string) ([]models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var creds []models.Credential
	for _, cred := range m.credentials {
		if cred.UserID == userID {
			creds = append(creds, *cred)
		}
	}
	return creds, nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, credentialID, userID string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[credentialID]
	if !ok || cred.UserID != userID {
		return nil, ErrNotFound
	}
	clone := *cred
	return &clone, nil
}

func (m *MemoryStore) InsertCredential(ctx context.Context, credential *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCredentialLocked(credential)
}

func (m *MemoryStore) insertCredentialLocked(credential *models.Credential) error {
	if _, exists := m.credentials[credential.CredentialID]; exists {
		return ErrCredentialExists
	}
	clone := *credential
	m.credentials[credential.CredentialID] = &clone
	return nil
}

func (m *MemoryStore) UpdateCredentialUsage(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	if newCount <= cred.SignCount && (newCount != 0 || cred.SignCount != 0) {
		return ErrCounterRegression
	}
	cred.SignCount = newCount
	used := usedAt
	cred.LastUsedAt = &used
	return nil
}

func (m *MemoryStore) InsertChallenge(ctx context.Context, challenge *models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.challenges[challenge.ID]; exists && !existing.Expired(time.Now()) {
		return ErrChallengeExists
	}
	clone := *challenge
	m.challenges[challenge.ID] = &clone
	return nil
}

func (m *MemoryStore) LatestChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var latest *models.Challenge
	for _, ch := range m.challenges {
		if ch.UserID != userID || ch.Expired(now) {
			continue
		}
		if latest == nil || ch.CreatedAt.After(latest.CreatedAt) {
			latest = ch
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (m *MemoryStore) ConsumeChallenge(ctx context.Context, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeChallengeLocked(challengeID)
}

func (m *MemoryStore) consumeChallengeLocked(challengeID string) error {
	if _, ok := m.challenges[challengeID]; !ok {
		return ErrNotFound
	}
	delete(m.challenges, challengeID)
	return nil
}

func (m *MemoryStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ch := range m.challenges {
		if ch.Expired(now) {
			delete(m.challenges, id)
		}
	}
	return nil
}

// CompleteRegistration applies user materialization, credential insertion and
// challenge consumption under one lock so concurrent ceremonies observe all
// or nothing.
func (m *MemoryStore) CompleteRegistration(ctx context.Context, user *models.User, credential *models.Credential, challengeID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := false
	if _, exists := m.users[user.ID]; !exists {
		if err := m.createUserLocked(user); err != nil {
			return nil, err
		}
		created = true
	} else if user.ProfileImage != "" {
		m.users[user.ID].ProfileImage = user.ProfileImage
	}

	undo := func() {
		if created {
			delete(m.usernames, user.Username)
			delete(m.users, user.ID)
		}
	}

	if err := m.insertCredentialLocked(credential); err != nil {
		undo()
		return nil, err
	}
	if challengeID != "" {
		if err := m.consumeChallengeLocked(challengeID); err != nil {
			delete(m.credentials, credential.CredentialID)
			undo()
			return nil, err
		}
	}

	clone := *m.users[user.ID]
	return &clone, nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(session.ExpiresAt) {
		delete(m.sessions, sessionID)
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}
