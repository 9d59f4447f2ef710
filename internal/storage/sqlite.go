package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tickerchat/auth/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over a single SQLite file. One database backs
// users, credentials and challenges so the final registration step can run in
// a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	profile_image TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	credential_id TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	public_key    BLOB NOT NULL,
	sign_count    INTEGER NOT NULL DEFAULT 0,
	transports    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	last_used_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);

CREATE TABLE IF NOT EXISTS challenges (
	challenge_id TEXT PRIMARY KEY,
	user_id      TEXT,
	value        TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_challenges_user ON challenges(user_id);
CREATE INDEX IF NOT EXISTS idx_challenges_expiry ON challenges(expires_at);
`

// OpenSQLite opens the store at path and ensures the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE/PRIMARYKEY in the
	// error text; there is no exported sentinel to match on.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, profile_image, created_at FROM users WHERE id = ?1`, userID)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, profile_image, created_at FROM users WHERE username = ?1`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var createdAt int64
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.ProfileImage, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	return createUser(ctx, s.db, user)
}

func createUser(ctx context.Context, db execContexter, user *models.User) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, profile_image, created_at) VALUES (?1, ?2, ?3, ?4, ?5)`,
		user.ID, user.Username, user.DisplayName, user.ProfileImage, toMillis(user.CreatedAt))
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateProfileImage(ctx context.Context, userID, imageRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET profile_image = ?2 WHERE id = ?1`, userID, imageRef)
	if err != nil {
		return fmt.Errorf("update profile image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, userID string) ([]models.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id, user_id, public_key, sign_count, transports, created_at, last_used_at
		 FROM credentials WHERE user_id = ?1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	var transports string
	var createdAt int64
	var lastUsed sql.NullInt64
	err := row.Scan(&c.CredentialID, &c.UserID, &c.PublicKey, &c.SignCount, &transports, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	if transports != "" {
		c.Transports = strings.Split(transports, ",")
	}
	c.CreatedAt = fromMillis(createdAt)
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		c.LastUsedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, credentialID, userID string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT credential_id, user_id, public_key, sign_count, transports, created_at, last_used_at
		 FROM credentials WHERE credential_id = ?1 AND user_id = ?2`, credentialID, userID)
	return scanCredential(row)
}

func (s *SQLiteStore) InsertCredential(ctx context.Context, credential *models.Credential) error {
	return insertCredential(ctx, s.db, credential)
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCredential(ctx context.Context, db execContexter, credential *models.Credential) error {
	var lastUsed sql.NullInt64
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO credentials (credential_id, user_id, public_key, sign_count, transports, created_at, last_used_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)`,
		credential.CredentialID, credential.UserID, credential.PublicKey, credential.SignCount,
		strings.Join(credential.Transports, ","), toMillis(credential.CreatedAt), lastUsed)
	if isUniqueViolation(err) {
		return ErrCredentialExists
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateCredentialUsage(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error {
	// Conditional write: only one of two racing logins can advance the
	// counter; the loser sees zero affected rows.
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET sign_count = ?2, last_used_at = ?3
		 WHERE credential_id = ?1 AND (sign_count < ?2 OR (sign_count = 0 AND ?2 = 0))`,
		credentialID, newCount, toMillis(usedAt))
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credentials WHERE credential_id = ?1`, credentialID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrCounterRegression
	}
	return nil
}

func (s *SQLiteStore) InsertChallenge(ctx context.Context, challenge *models.Challenge) error {
	var userID sql.NullString
	if challenge.UserID != "" {
		userID = sql.NullString{String: challenge.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (challenge_id, user_id, value, expires_at, created_at) VALUES (?1, ?2, ?3, ?4, ?5)`,
		challenge.ID, userID, challenge.Value, toMillis(challenge.ExpiresAt), toMillis(challenge.CreatedAt))
	if isUniqueViolation(err) {
		return ErrChallengeExists
	}
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT challenge_id, user_id, value, expires_at, created_at FROM challenges
		 WHERE user_id = ?1 AND expires_at > ?2 ORDER BY created_at DESC LIMIT 1`,
		userID, toMillis(time.Now()))

	var c models.Challenge
	var boundUser sql.NullString
	var expiresAt, createdAt int64
	err := row.Scan(&c.ID, &boundUser, &c.Value, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	c.UserID = boundUser.String
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func (s *SQLiteStore) ConsumeChallenge(ctx context.Context, challengeID string) error {
	return consumeChallenge(ctx, s.db, challengeID)
}

func consumeChallenge(ctx context.Context, db execContexter, challengeID string) error {
	res, err := db.ExecContext(ctx,
		`DELETE FROM challenges WHERE challenge_id = ?1`, challengeID)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE expires_at <= ?1`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}

// CompleteRegistration runs the final registration step in one transaction:
// materialize the user when new, insert the credential, and consume the
// challenge. With challengeID empty the challenge is assumed consumed by an
// external challenge store and only the row writes are transactional.
func (s *SQLiteStore) CompleteRegistration(ctx context.Context, user *models.User, credential *models.Credential, challengeID string) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := userByIDTx(ctx, tx, user.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := createUser(ctx, tx, user); err != nil {
			return nil, err
		}
		existing = user
	case err != nil:
		return nil, err
	default:
		if user.ProfileImage != "" && user.ProfileImage != existing.ProfileImage {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET profile_image = ?2 WHERE id = ?1`, user.ID, user.ProfileImage); err != nil {
				return nil, fmt.Errorf("update profile image: %w", err)
			}
			existing.ProfileImage = user.ProfileImage
		}
	}

	if err := insertCredential(ctx, tx, credential); err != nil {
		return nil, err
	}
	if challengeID != "" {
		if err := consumeChallenge(ctx, tx, challengeID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit registration: %w", err)
	}
	result := *existing
	return &result, nil
}

func userByIDTx(ctx context.Context, tx *sql.Tx, userID string) (*models.User, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, username, display_name, profile_image, created_at FROM users WHERE id = ?1`, userID)
	return scanUser(row)
}
