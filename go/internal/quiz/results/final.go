package results

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

type FinalFetcher interface {
	FetchFinalResults(ctx context.Context, code models.SessionCode) (models.FinalResults, error)
}

// FetchFinal loads the end-of-game results, retrying with WinnerPolicy while the server says
// they are not ready. A nil winner in a successful response is a real "no winner" result.
func FetchFinal(ctx context.Context, fetcher FinalFetcher, code models.SessionCode, cfg Config) (models.FinalResults, error) {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = WinnerPolicy
	}
	cfg = cfg.withDefaults()

	var (
		delay   time.Duration
		lastErr error
	)
	for attempt := 1; attempt <= cfg.Policy.MaxAttempts; attempt++ {
		final, err := fetcher.FetchFinalResults(ctx, code)
		if err == nil {
			return final, nil
		}
		if ctx.Err() != nil {
			return models.FinalResults{}, ctx.Err()
		}
		if !cfg.NotReady(err) {
			return models.FinalResults{}, err
		}
		lastErr = err

		if attempt == cfg.Policy.MaxAttempts {
			break
		}
		delay = cfg.Policy.Delay(attempt, delay, cfg.Jitter(cfg.Policy.MaxJitter))
		log.Debug().Str("game_code", string(code)).Int("attempt", attempt).Dur("delay", delay).Msg("final results not ready")
		if err := cfg.Delay(ctx, delay); err != nil {
			return models.FinalResults{}, err
		}
	}
	return models.FinalResults{}, fmt.Errorf("final results not ready after %d attempts: %w", cfg.Policy.MaxAttempts, lastErr)
}
