package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/navigation"
	"github.com/mcdev12/bokquiz/go/internal/quiz/push"
	"github.com/mcdev12/bokquiz/go/internal/quiz/reconcile"
	"github.com/mcdev12/bokquiz/go/internal/quiz/results"
	"github.com/mcdev12/bokquiz/go/internal/quiz/suddendeath"
	"github.com/mcdev12/bokquiz/go/internal/quiz/timer"
)

func (s *Session) handleUpdate(u reconcile.Update) {
	switch u.Kind {
	case reconcile.UpdateState:
		s.onState(u.State)
	case reconcile.UpdateQuestion:
		s.onQuestion(u.Question)
	case reconcile.UpdateNewRound:
		s.onNewRound(u.Round)
	case reconcile.UpdateRoundSignal:
		s.onRoundSignal(u.Signal)
	case reconcile.UpdateConnectivity:
		s.onConnectivity(u.Connected)
	}
}

func (s *Session) onState(state models.GameState) {
	if s.cfg.Role == RolePlayer {
		s.gate.ObserveState(s.ctx, state)
		if p, ok := state.FindPlayer(s.id.PlayerName()); ok && p.Eliminated {
			s.setEliminated()
		}
	}

	if state.Phase == models.PhaseFinished {
		s.winner.Fire(s.cfg.Code, "state")
		return
	}

	if state.Phase.IsPlaying() {
		s.mu.Lock()
		first := !s.leftLobby
		s.leftLobby = true
		s.mu.Unlock()
		if first {
			s.once.Navigate(s.cfg.Code, s.questionScreen(), s.epochFor(state.RoundNumber))
		}
	}

	s.maybeFallBackToQuestionPolling(state)
}

func (s *Session) onConnectivity(connected bool) {
	if connected {
		s.fallback.Stop()
		return
	}
	if state, ok := s.core.Snapshot(); ok {
		s.maybeFallBackToQuestionPolling(state)
	}
}

// maybeFallBackToQuestionPolling asks for the current question on an interval while a player
// is in a playing phase with no question and no push channel.
func (s *Session) maybeFallBackToQuestionPolling(state models.GameState) {
	if s.cfg.Role != RolePlayer || !state.Phase.IsPlaying() || s.core.Connected() {
		return
	}
	if _, ok := s.core.Question(); ok {
		return
	}
	s.fallback.Start(s.cfg.QuestionPollInterval, func() {
		q, err := s.api.FetchQuestion(s.ctx, s.cfg.Code)
		if err != nil {
			log.Debug().Err(err).Str("game_code", string(s.cfg.Code)).Msg("question not available yet")
			return
		}
		s.core.SetQuestion(q)
	})
}

func (s *Session) questionScreen() navigation.Screen {
	if s.cfg.Role == RoleHost {
		return navigation.ScreenHostQuiz
	}
	return navigation.ScreenQuestion
}

// epochFor returns the pass of round currently in play, or its first pass if round is not
// the one in play.
func (s *Session) epochFor(round int) navigation.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochForLocked(round)
}

func (s *Session) epochForLocked(round int) navigation.Epoch {
	if round == s.epoch.Round {
		return s.epoch
	}
	return navigation.Epoch{Round: round}
}

// questionKeyLocked names a question within its round pass. s.mu must be held.
func (s *Session) questionKeyLocked(q models.Question) string {
	return fmt.Sprintf("%s/%d", s.epochForLocked(q.RoundNumber), q.Index)
}

func (s *Session) onQuestion(q models.Question) {
	s.fallback.Stop()

	s.mu.Lock()
	s.leftLobby = true
	if key := s.questionKeyLocked(q); key != s.lastQuestion {
		s.lastQuestion = key
		s.answered = ""
	}
	eliminated := s.eliminated
	epoch := s.epochForLocked(q.RoundNumber)
	s.mu.Unlock()

	s.startCountdown(q)

	if s.cfg.Role == RoleHost {
		s.once.Navigate(s.cfg.Code, navigation.ScreenHostQuiz, epoch)
		return
	}
	if eliminated {
		log.Debug().Str("game_code", string(s.cfg.Code)).Msg("eliminated player ignores question")
		return
	}

	state, _ := s.core.Snapshot()
	if !suddendeath.IsSuddenDeathQuestion(q, state) {
		s.once.Navigate(s.cfg.Code, navigation.ScreenQuestion, epoch)
		return
	}

	s.goAsync(func() {
		screen := navigation.ScreenSuddenDeathWait
		if s.gate.Decide(s.ctx, s.api) {
			screen = navigation.ScreenQuestion
		}
		if s.ctx.Err() != nil {
			return
		}
		s.once.Navigate(s.cfg.Code, screen, epoch)
	})
}

func (s *Session) startCountdown(q models.Question) {
	t := timer.ForQuestion(q, timer.DefaultFallback, timer.WithClock(s.clock), timer.WithTickInterval(s.cfg.TimerTick))
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	prev := s.stopTimer
	s.countdown = t
	s.stopTimer = cancel
	s.remaining = t.Remaining()
	s.mu.Unlock()

	if prev != nil {
		prev()
	}

	s.goAsync(func() {
		t.Run(ctx, func(remaining int) {
			s.mu.Lock()
			current := s.countdown == t
			if current {
				s.remaining = remaining
			}
			s.mu.Unlock()
			if current && s.cfg.OnTick != nil {
				s.cfg.OnTick(remaining)
			}
		})
	})
}

func (s *Session) onNewRound(round int) {
	if s.resolver.NewRound(round) {
		s.mu.Lock()
		if round == s.epoch.Round {
			s.epoch.Pass++
		} else {
			s.epoch = navigation.Epoch{Round: round}
		}
		epoch := s.epoch
		s.mu.Unlock()
		log.Debug().Str("game_code", string(s.cfg.Code)).Stringer("epoch", epoch).Msg("new round")
		if epoch.Pass > 0 && s.cfg.Role == RolePlayer {
			s.gate.Expire()
		}
	}
	s.watchdog.Stop()
	if s.cfg.Role == RolePlayer && round < suddendeath.Round {
		s.gate.ResetForRound(s.ctx)
	}
}

func (s *Session) onRoundSignal(sig reconcile.RoundSignal) {
	if sig.Type == push.MessageGameFinished {
		s.winner.Fire(s.cfg.Code, "push")
	}

	if s.cfg.Role == RolePlayer {
		payload := sig.Payload.Result
		if sig.Payload.HasLeaderboard || len(payload.SuddenDeathPlayers) > 0 {
			state, _ := s.core.Snapshot()
			s.gate.ObservePush(s.ctx, state.Phase, payload.SuddenDeathPlayers, payload.NextPhase)
		}
		if payload.IsEliminated(s.id.PlayerName()) {
			s.setEliminated()
		}
	}

	if sig.Type != push.MessageGameFinished {
		s.showResults(sig.Round)
	}
	s.resolver.Trigger(sig)

	if sig.Type == push.MessageSuddenDeathEliminated {
		s.after(s.cfg.EliminationRecheckDelay, s.recheckAfterElimination)
	}
}

// showResults moves to the round-result view for round, once. Hosts go straight to the
// leaderboard; players wait briefly so the result is likely committed when they arrive.
func (s *Session) showResults(round int) {
	if s.winner.Fired() {
		return
	}
	epoch := s.epochFor(round)
	if s.cfg.Role == RoleHost {
		if s.once.Navigate(s.cfg.Code, navigation.ScreenLeaderboard, epoch) {
			s.watchdog.Start(s.ctx)
		}
		return
	}

	delay := s.cfg.ResultNavDelay + s.cfg.Jitter(s.cfg.ResultNavJitter)
	s.after(delay, func() {
		if s.winner.Fired() {
			return
		}
		if !s.once.Navigate(s.cfg.Code, navigation.ScreenRoundResult, epoch) {
			return
		}
		s.resolver.Await(round, s.cfg.AwaitPushTimeout+s.cfg.Jitter(s.cfg.ResultNavJitter))
		s.watchdog.Start(s.ctx)
	})
}

// recheckAfterElimination catches a game that finished with the last sudden-death
// elimination but whose game_finished push was lost.
func (s *Session) recheckAfterElimination() {
	state, err := s.api.FetchState(s.ctx, s.cfg.Code)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Warn().Err(err).Str("game_code", string(s.cfg.Code)).Msg("post-elimination state check failed")
		}
		return
	}
	if state.Phase == models.PhaseFinished {
		s.winner.Fire(s.cfg.Code, "elimination_recheck")
	}
}

func (s *Session) handleResolution(res results.Resolution) {
	if s.cfg.Role == RolePlayer {
		s.gate.ObserveResult(s.ctx, res.Result)
		if res.Result.IsEliminated(s.id.PlayerName()) {
			s.setEliminated()
		}
	}
	if res.State == results.StateFailed {
		log.Warn().Err(res.Err).Str("game_code", string(s.cfg.Code)).Int("round", res.Round).Msg("round result unavailable, waiting for retry")
		return
	}
	if res.Finished() {
		s.winner.Fire(s.cfg.Code, "resolution")
		s.watchdog.Stop()
		return
	}
	if res.Degraded() {
		s.onDegraded(res)
	}
}

// onDegraded handles a round whose result never became available. The host gets the
// final leaderboard for a while and then the winner screen, unless play moves on first.
// A player is told the result is missing and can retry; the watchdog still watches for
// the game finishing.
func (s *Session) onDegraded(res results.Resolution) {
	epoch := s.epochFor(res.Round)
	if s.cfg.Role == RolePlayer {
		s.once.Navigate(s.cfg.Code, navigation.ScreenResultMissing, epoch)
		return
	}

	s.after(s.cfg.DegradedWinnerDelay, func() {
		if s.epochFor(res.Round) != epoch || s.currentRound() > res.Round {
			return
		}
		if s.winner.Fire(s.cfg.Code, "degraded") {
			s.watchdog.Stop()
		}
	})
}

func (s *Session) currentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch.Round
}

func (s *Session) setEliminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eliminated {
		log.Info().Str("game_code", string(s.cfg.Code)).Str("player", s.id.PlayerName()).Msg("player eliminated")
	}
	s.eliminated = true
}

// Eliminated reports whether the local player has been knocked out.
func (s *Session) Eliminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eliminated
}
