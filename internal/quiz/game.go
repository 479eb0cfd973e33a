package quiz

import (
	"sync"
	"time"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
)

// State is the progression of a game through its question list.
type State string

const (
	StateAnswering State = "answering"
	StateRevealed  State = "revealed"
	StateCompleted State = "completed"
)

// bypassPhase tracks the forced-reveal sequence. Each phase hands off to the
// next on a delayed transition; Exit aborts whichever phase is pending.
type bypassPhase int

const (
	bypassIdle bypassPhase = iota
	bypassArmed
	bypassImpact
	bypassSettling
	bypassChaining
)

const (
	startingLives = 3
	confirmXP     = 25
	bypassXP      = 100
)

// Delays configure the bypass phase transitions. Zero values take the
// defaults; tests shrink them to keep the chained advance observable.
type Delays struct {
	Arm    time.Duration
	Impact time.Duration
	Settle time.Duration
	Chain  time.Duration
}

func (d Delays) withDefaults() Delays {
	if d.Arm == 0 {
		d.Arm = 600 * time.Millisecond
	}
	if d.Impact == 0 {
		d.Impact = 500 * time.Millisecond
	}
	if d.Settle == 0 {
		d.Settle = 1400 * time.Millisecond
	}
	if d.Chain == 0 {
		d.Chain = 1500 * time.Millisecond
	}
	return d
}

// Result is the terminal outcome of a game: the raw material of a
// QuizAttempt.
type Result struct {
	Settings  domain.QuizSettings
	Questions []domain.QuizQuestion
	Answers   map[int]string
	Score     int
	XP        int64
}

type GameConfig struct {
	Settings  domain.QuizSettings
	Questions []domain.QuizQuestion
	Delays    Delays
	// OnComplete is called exactly once, outside the game lock, when the
	// game reaches its terminal state.
	OnComplete func(Result)
}

// Game walks a fixed ordered question list: Answering(i) -> Revealed(i) ->
// Answering(i+1) ... -> Completed. Lives and XP are session-local counters;
// nothing is persisted until the terminal result is handed to OnComplete.
type Game struct {
	mu sync.Mutex

	settings  domain.QuizSettings
	questions []domain.QuizQuestion
	delays    Delays
	onDone    func(Result)

	state   State
	index   int
	answers map[int]string
	lives   int
	xp      int64

	phase   bypassPhase
	pending *time.Timer
	exited  bool
}

func NewGame(c GameConfig) *Game {
	return &Game{
		settings:  c.Settings,
		questions: c.Questions,
		delays:    c.Delays.withDefaults(),
		onDone:    c.OnComplete,
		state:     StateAnswering,
		answers:   make(map[int]string),
		lives:     startingLives,
	}
}

// Snapshot is a point-in-time view of the game for clients. The correct
// answer and solution of the current question are withheld until revealed.
type Snapshot struct {
	State     State                `json:"state"`
	Index     int                  `json:"index"`
	Total     int                  `json:"total"`
	Question  *domain.QuizQuestion `json:"question,omitempty"`
	Selection string               `json:"selection,omitempty"`
	Lives     int                  `json:"lives"`
	XP        int64                `json:"xp"`
	Bypassing bool                 `json:"bypassing"`
}

func (g *Game) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		State:     g.state,
		Index:     g.index,
		Total:     len(g.questions),
		Selection: g.answers[g.index],
		Lives:     g.lives,
		XP:        g.xp,
		Bypassing: g.phase != bypassIdle,
	}
	if g.state != StateCompleted {
		q := g.questions[g.index]
		if g.state == StateAnswering {
			q.CorrectAnswer = ""
			q.Solution = ""
		}
		s.Question = &q
	}
	return s
}

// SelectOption records (or overwrites) the chosen option for the current
// question. Legal only while answering it.
func (g *Game) SelectOption(index int, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateAnswering || index != g.index {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("not answering question %d", index))
	}
	if g.questions[g.index].Options.Get(key) == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown option %q", key))
	}
	g.answers[g.index] = key
	return nil
}

// Confirm locks in the current selection and reveals the answer: +25 XP when
// correct, one life lost (floored at zero) when wrong.
func (g *Game) Confirm() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateAnswering {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("nothing to confirm"))
	}
	selected, ok := g.answers[g.index]
	if !ok {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no option selected"))
	}

	if selected == g.questions[g.index].CorrectAnswer {
		g.xp += confirmXP
	} else if g.lives > 0 {
		g.lives--
	}
	g.state = StateRevealed
	return nil
}

// Advance moves to the next question, or completes the game after the last
// one. Legal only once the current answer is revealed.
func (g *Game) Advance() error {
	g.mu.Lock()
	result, err := g.advanceLocked()
	g.mu.Unlock()

	if err == nil && result != nil {
		g.complete(*result)
	}
	return err
}

// advanceLocked performs the transition and, on completion, returns the
// final result to deliver after the lock is released.
func (g *Game) advanceLocked() (*Result, error) {
	if g.state != StateRevealed {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("answer is not revealed"))
	}

	if g.index+1 < len(g.questions) {
		g.index++
		g.state = StateAnswering
		return nil, nil
	}

	g.state = StateCompleted
	score := 0
	answers := make(map[int]string, len(g.answers))
	for i, key := range g.answers {
		answers[i] = key
		if key == g.questions[i].CorrectAnswer {
			score++
		}
	}
	return &Result{
		Settings:  g.settings,
		Questions: g.questions,
		Answers:   answers,
		Score:     score,
		XP:        g.xp,
	}, nil
}

func (g *Game) complete(r Result) {
	if g.onDone != nil {
		g.onDone(r)
	}
}

// Bypass forcibly resolves the current question: the correct answer is
// recorded, 100 XP granted, the answer revealed, and the game advances on
// its own after the chained delays unless this was the last question, which
// stays revealed until a manual Advance. Triggers while a bypass is already
// in flight, or outside the answering state, are ignored.
func (g *Game) Bypass() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exited || g.state != StateAnswering || g.phase != bypassIdle {
		return
	}
	g.phase = bypassArmed
	g.pending = time.AfterFunc(g.delays.Arm, g.bypassImpact)
}

func (g *Game) bypassImpact() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exited || g.phase != bypassArmed {
		return
	}
	g.answers[g.index] = g.questions[g.index].CorrectAnswer
	g.xp += bypassXP
	g.state = StateRevealed
	g.phase = bypassImpact
	g.pending = time.AfterFunc(g.delays.Impact, g.bypassSettle)
}

func (g *Game) bypassSettle() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exited || g.phase != bypassImpact {
		return
	}
	g.phase = bypassSettling
	g.pending = time.AfterFunc(g.delays.Settle, g.bypassChain)
}

func (g *Game) bypassChain() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exited || g.phase != bypassSettling {
		return
	}
	g.phase = bypassChaining
	g.pending = time.AfterFunc(g.delays.Chain, g.bypassFinish)
}

// bypassFinish closes the sequence. The chained advance only fires when
// another question follows; on the last question the game stays revealed
// and waits for a manual Advance.
func (g *Game) bypassFinish() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exited || g.phase != bypassChaining {
		return
	}
	g.phase = bypassIdle
	g.pending = nil
	if g.index+1 < len(g.questions) {
		g.index++
		g.state = StateAnswering
	}
}

// Exit abandons the game. Any in-flight bypass sequence is aborted as a
// unit; no phase fires after Exit returns.
func (g *Game) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.exited = true
	g.phase = bypassIdle
	if g.pending != nil {
		g.pending.Stop()
		g.pending = nil
	}
}
