package quiz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/genai"
	"github.com/mkaraca/quizgate/internal/session"
	"github.com/mkaraca/quizgate/internal/store"
)

const defaultQuestionCount = 5

type ManagerConfig struct {
	GenAI    *genai.Client
	Store    *store.Store
	Sessions *session.Service
	Delays   Delays
	// QuestionCount is the number of questions per quiz; defaults to 5.
	QuestionCount int
}

// Manager keeps at most one game per session token. Generation is the only
// suspending operation; a per-token loading guard suppresses duplicate
// triggers while one is pending.
type Manager struct {
	genai    *genai.Client
	store    *store.Store
	sessions *session.Service
	delays   Delays
	count    int

	mu      sync.Mutex
	games   map[string]*Game
	loading map[string]bool
}

func NewManager(c ManagerConfig) *Manager {
	count := c.QuestionCount
	if count <= 0 {
		count = defaultQuestionCount
	}
	return &Manager{
		genai:    c.GenAI,
		store:    c.Store,
		sessions: c.Sessions,
		delays:   c.Delays,
		count:    count,
		games:    make(map[string]*Game),
		loading:  make(map[string]bool),
	}
}

type StartRequest struct {
	Token    string
	Settings domain.QuizSettings
}

// Start generates questions and opens a fresh game for the session,
// replacing any previous one. While a generation is pending for the token,
// further starts are rejected; a failed generation leaves no quiz state.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	m.mu.Lock()
	if m.loading[req.Token] {
		m.mu.Unlock()
		return Snapshot{}, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("a quiz is already being generated for this session"))
	}
	m.loading[req.Token] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.loading, req.Token)
		m.mu.Unlock()
	}()

	instruction, err := m.store.AIInstruction(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	questions, err := m.genai.Generate(ctx, genai.GenerateRequest{
		Settings:    req.Settings,
		Instruction: instruction,
		Count:       m.count,
	})
	if err != nil {
		return Snapshot{}, err
	}

	token := req.Token
	game := NewGame(GameConfig{
		Settings:  req.Settings,
		Questions: questions,
		Delays:    m.delays,
		OnComplete: func(r Result) {
			m.finalize(token, r)
		},
	})

	m.mu.Lock()
	if old, ok := m.games[token]; ok {
		old.Exit()
	}
	m.games[token] = game
	m.mu.Unlock()

	slog.InfoContext(ctx, "quiz: started",
		"subject", req.Settings.Subject, "topic", req.Settings.Topic, "level", req.Settings.Level)
	return game.Snapshot(), nil
}

// finalize appends the completed attempt to whichever identity the session
// is driving at completion time.
func (m *Manager) finalize(token string, r Result) {
	ctx := context.Background()
	attempt := domain.QuizAttempt{
		ID:          uuid.NewString(),
		Date:        time.Now(),
		Settings:    r.Settings,
		Score:       decimal.NewFromInt(int64(r.Score)),
		Total:       decimal.NewFromInt(int64(len(r.Questions))),
		Questions:   r.Questions,
		UserAnswers: r.Answers,
	}
	if err := m.sessions.RecordAttempt(ctx, token, attempt); err != nil {
		slog.ErrorContext(ctx, "quiz: recording attempt failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "quiz: completed", "score", r.Score, "total", len(r.Questions))
}

func (m *Manager) game(token string) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.games[token]; ok {
		return g, nil
	}
	return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no active quiz for this session"))
}

// Select records an option for the session's current question.
func (m *Manager) Select(token string, index int, key string) (Snapshot, error) {
	g, err := m.game(token)
	if err != nil {
		return Snapshot{}, err
	}
	if err := g.SelectOption(index, key); err != nil {
		return Snapshot{}, err
	}
	return g.Snapshot(), nil
}

// Confirm locks in the session's current selection.
func (m *Manager) Confirm(token string) (Snapshot, error) {
	g, err := m.game(token)
	if err != nil {
		return Snapshot{}, err
	}
	if err := g.Confirm(); err != nil {
		return Snapshot{}, err
	}
	return g.Snapshot(), nil
}

// Advance moves the session to the next question.
func (m *Manager) Advance(token string) (Snapshot, error) {
	g, err := m.game(token)
	if err != nil {
		return Snapshot{}, err
	}
	if err := g.Advance(); err != nil {
		return Snapshot{}, err
	}
	return g.Snapshot(), nil
}

// Bypass triggers the forced reveal from a local control. It requires admin
// rights on the session (a real admin, or a ghost started by one).
func (m *Manager) Bypass(ctx context.Context, token string) (Snapshot, error) {
	sess, err := m.sessions.Resume(ctx, token)
	if err != nil {
		return Snapshot{}, err
	}
	if !sess.HasAdminRights() && !sess.User.CanSkip {
		return Snapshot{}, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("bypass requires admin rights"))
	}

	g, err := m.game(token)
	if err != nil {
		return Snapshot{}, err
	}
	g.Bypass()
	return g.Snapshot(), nil
}

// ForceBypass triggers the forced reveal for a session from the broadcast
// channel. The publisher's authority was checked at publish time; here the
// only requirement is an in-flight game. Sessions not in a quiz ignore it.
func (m *Manager) ForceBypass(token string) {
	g, err := m.game(token)
	if err != nil {
		return
	}
	g.Bypass()
}

// State returns the session's current game snapshot.
func (m *Manager) State(token string) (Snapshot, error) {
	g, err := m.game(token)
	if err != nil {
		return Snapshot{}, err
	}
	return g.Snapshot(), nil
}

// Exit abandons the session's game, aborting any pending bypass phases.
func (m *Manager) Exit(token string) {
	m.mu.Lock()
	g, ok := m.games[token]
	delete(m.games, token)
	m.mu.Unlock()
	if ok {
		g.Exit()
	}
}

// InQuiz reports whether the session currently has a non-completed game.
func (m *Manager) InQuiz(token string) bool {
	g, err := m.game(token)
	if err != nil {
		return false
	}
	return g.Snapshot().State != StateCompleted
}
