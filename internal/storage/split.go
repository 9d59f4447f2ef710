package storage

import (
	"context"
	"time"

	"github.com/tickerchat/auth/internal/models"
)

// SplitStore routes challenge operations to a dedicated ChallengeStore (for
// example Redis) while the primary Store keeps user and credential rows.
type SplitStore struct {
	Store
	challenges ChallengeStore
}

func NewSplitStore(primary Store, challenges ChallengeStore) *SplitStore {
	return &SplitStore{Store: primary, challenges: challenges}
}

func (s *SplitStore) InsertChallenge(ctx context.Context, challenge *models.Challenge) error {
	return s.challenges.InsertChallenge(ctx, challenge)
}

func (s *SplitStore) LatestChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error) {
	return s.challenges.LatestChallengeForUser(ctx, userID)
}

func (s *SplitStore) ConsumeChallenge(ctx context.Context, challengeID string) error {
	return s.challenges.ConsumeChallenge(ctx, challengeID)
}

func (s *SplitStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	return s.challenges.DeleteExpiredChallenges(ctx, now)
}

// CompleteRegistration consumes the challenge from the external challenge
// store first, which is the at-most-once gate, then applies the row writes in
// the primary store's transaction. If the row writes fail the challenge is
// already gone and the client has to restart the ceremony.
func (s *SplitStore) CompleteRegistration(ctx context.Context, user *models.User, credential *models.Credential, challengeID string) (*models.User, error) {
	if err := s.challenges.ConsumeChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	return s.Store.CompleteRegistration(ctx, user, credential, "")
}
