package auth

import "errors"

// Ceremony failures. All of them terminate the current ceremony and require
// the caller to restart from the matching begin step; none are fatal to the
// process. Messages are stable and deliberately non-revealing.
var (
	ErrChallengeNotFoundOrExpired = errors.New("challenge not found or expired")
	ErrVerificationFailed         = errors.New("verification failed")
	ErrCredentialNotRegistered    = errors.New("credential not registered for this user")
	ErrUsernameTaken              = errors.New("username already taken")
	ErrUserNotFound               = errors.New("user not found")
	ErrReplaySuspected            = errors.New("authenticator replay suspected")
)
