package navigation

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// Screen names a view the client can show.
type Screen string

const (
	ScreenLobby           Screen = "lobby"
	ScreenHostQuiz        Screen = "host_quiz"
	ScreenQuestion        Screen = "question"
	ScreenRoundResult     Screen = "round_result"
	ScreenLeaderboard     Screen = "leaderboard"
	ScreenSuddenDeathWait Screen = "sudden_death_wait"
	ScreenResultMissing   Screen = "result_unavailable"
	ScreenWinner          Screen = "winner"
)

// Navigator switches the visible screen. Implementations must not block.
type Navigator interface {
	Navigate(code models.SessionCode, screen Screen)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(code models.SessionCode, screen Screen)

func (f NavigatorFunc) Navigate(code models.SessionCode, screen Screen) {
	f(code, screen)
}

// LogNavigator only logs; it is what the headless binary uses.
type LogNavigator struct{}

func (LogNavigator) Navigate(code models.SessionCode, screen Screen) {
	log.Info().Str("game_code", string(code)).Str("screen", string(screen)).Msg("navigate")
}

// History records every navigation and forwards it to Next, if set.
type History struct {
	Next Navigator

	mu      sync.Mutex
	screens []Screen
}

func (h *History) Navigate(code models.SessionCode, screen Screen) {
	h.mu.Lock()
	h.screens = append(h.screens, screen)
	h.mu.Unlock()
	if h.Next != nil {
		h.Next.Navigate(code, screen)
	}
}

// Screens returns the navigations so far, oldest first.
func (h *History) Screens() []Screen {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Screen(nil), h.screens...)
}

// Current returns the last screen navigated to.
func (h *History) Current() (Screen, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.screens) == 0 {
		return "", false
	}
	return h.screens[len(h.screens)-1], true
}

// Count returns how many times screen was navigated to.
func (h *History) Count(screen Screen) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.screens {
		if s == screen {
			n++
		}
	}
	return n
}

// Latch navigates to its screen at most once, however many sources fire it.
type Latch struct {
	nav    Navigator
	screen Screen

	mu    sync.Mutex
	fired bool
}

func NewLatch(nav Navigator, screen Screen) *Latch {
	return &Latch{nav: nav, screen: screen}
}

// Fire navigates on the first call and reports whether it did.
func (l *Latch) Fire(code models.SessionCode, source string) bool {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		return false
	}
	l.fired = true
	l.mu.Unlock()

	log.Info().Str("game_code", string(code)).Str("screen", string(l.screen)).Str("source", source).Msg("latch fired")
	l.nav.Navigate(code, l.screen)
	return true
}

func (l *Latch) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}

// Epoch identifies one pass through a round. Sudden death replays round 4, so the same
// round number can be played more than once.
type Epoch struct {
	Round int
	Pass  int
}

func (e Epoch) String() string {
	return fmt.Sprintf("%d.%d", e.Round, e.Pass)
}

// Once suppresses repeated navigations that share a key, such as the same screen for the
// same round reached through both a push and a poll.
type Once struct {
	nav Navigator

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewOnce(nav Navigator) *Once {
	return &Once{nav: nav, seen: make(map[string]struct{})}
}

// Navigate goes to screen unless it was already reached in epoch. It reports whether it
// navigated.
func (o *Once) Navigate(code models.SessionCode, screen Screen, epoch Epoch) bool {
	key := string(screen) + "/" + epoch.String()

	o.mu.Lock()
	if _, ok := o.seen[key]; ok {
		o.mu.Unlock()
		return false
	}
	o.seen[key] = struct{}{}
	o.mu.Unlock()

	o.nav.Navigate(code, screen)
	return true
}
