package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/results"
)

var (
	ErrNotHost          = errors.New("session: host action on a player session")
	ErrNotPlayer        = errors.New("session: player action on a host session")
	ErrNoQuestion       = errors.New("session: no current question")
	ErrAlreadySubmitted = errors.New("session: answer already submitted for this question")
)

// HostStart starts the game. The first question arrives by push.
func (s *Session) HostStart(ctx context.Context) error {
	token, err := s.hostToken()
	if err != nil {
		return err
	}
	if err := s.api.HostStart(ctx, s.cfg.Code, token); err != nil {
		return fmt.Errorf("failed to start game: %w", err)
	}
	log.Info().Str("game_code", string(s.cfg.Code)).Msg("game started")
	return nil
}

// HostNext advances to the next question or round. The result arrives by push.
func (s *Session) HostNext(ctx context.Context) error {
	token, err := s.hostToken()
	if err != nil {
		return err
	}
	if err := s.api.HostNext(ctx, s.cfg.Code, token); err != nil {
		return fmt.Errorf("failed to advance game: %w", err)
	}
	log.Info().Str("game_code", string(s.cfg.Code)).Msg("game advanced")
	return nil
}

func (s *Session) hostToken() (string, error) {
	if s.cfg.Role != RoleHost {
		return "", ErrNotHost
	}
	return s.id.RequireHost()
}

// SubmitAnswer sends the player's choice for the current question. Submitted reports true
// from the moment the call starts and only goes back to false if the server rejects it.
func (s *Session) SubmitAnswer(ctx context.Context, selectedIndex int) error {
	if s.cfg.Role != RolePlayer {
		return ErrNotPlayer
	}
	creds, err := s.id.RequirePlayer()
	if err != nil {
		return err
	}
	q, ok := s.core.Question()
	if !ok {
		return ErrNoQuestion
	}
	s.mu.Lock()
	key := s.questionKeyLocked(q)
	if s.answered == key {
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	s.answered = key
	s.mu.Unlock()

	err = s.api.SubmitAnswer(ctx, s.cfg.Code, creds.PlayerID, creds.ReconnectToken, selectedIndex)
	if err != nil {
		if ctx.Err() == nil {
			s.mu.Lock()
			if s.answered == key {
				s.answered = ""
			}
			s.mu.Unlock()
		}
		log.Warn().Err(err).Str("game_code", string(s.cfg.Code)).Str("question", key).Msg("answer submission failed")
		return fmt.Errorf("failed to submit answer: %w", err)
	}

	log.Debug().Str("game_code", string(s.cfg.Code)).Str("question", key).Int("selected", selectedIndex).Msg("answer submitted")
	return nil
}

// Submitted reports whether an answer for the current question is in flight or accepted.
func (s *Session) Submitted() bool {
	q, ok := s.core.Question()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered == s.questionKeyLocked(q)
}

// FetchQuestion loads the current question directly, for clients that missed the push.
func (s *Session) FetchQuestion(ctx context.Context) (models.Question, error) {
	q, err := s.api.FetchQuestion(ctx, s.cfg.Code)
	if err != nil {
		return models.Question{}, fmt.Errorf("failed to fetch question: %w", err)
	}
	s.core.SetQuestion(q)
	return q, nil
}

// FinalResults loads the end-of-game results, waiting out "not ready" answers.
func (s *Session) FinalResults(ctx context.Context) (models.FinalResults, error) {
	return results.FetchFinal(ctx, s.api, s.cfg.Code, results.Config{
		Policy: results.WinnerPolicy,
		Clock:  s.clock,
		Jitter: s.cfg.Jitter,
	})
}

// RetryResult re-fetches a round result after a definite failure or a degraded one.
func (s *Session) RetryResult(ctx context.Context) {
	s.resolver.Retry(ctx)
}
