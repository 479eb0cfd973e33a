package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/store"
	"github.com/mkaraca/quizgate/internal/user"
)

type Config struct {
	Store *store.Store
	Users *user.Service
}

// Service is the session manager. It owns the authenticated identity per
// session token, the optional saved real-admin identity while
// impersonating, and the derived statistics.
type Service struct {
	store *store.Store
	users *user.Service

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Session is one active identity. While impersonating, User carries the
// ghost identity and RealAdmin remembers who started it. The service hands
// out point-in-time copies; the canonical record is only mutated under the
// service lock.
type Session struct {
	Token     string       `json:"token"`
	User      domain.User  `json:"user"`
	RealAdmin *domain.User `json:"realAdmin,omitempty"`
}

// Impersonating reports whether this is a ghost session.
func (s *Session) Impersonating() bool { return s.RealAdmin != nil }

// HasAdminRights reports whether the session may use the admin surface:
// either the identity is an admin or the session is a ghost started by one.
func (s *Session) HasAdminRights() bool {
	return s.User.IsAdmin() || (s.RealAdmin != nil && s.RealAdmin.IsAdmin())
}

// clone copies the session, including the saved real-admin record.
func (s *Session) clone() *Session {
	cp := *s
	if s.RealAdmin != nil {
		real := *s.RealAdmin
		cp.RealAdmin = &real
	}
	return &cp
}

func NewService(c Config) *Service {
	return &Service{
		store:    c.Store,
		users:    c.Users,
		sessions: make(map[string]*Session),
	}
}

type LoginRequest struct {
	Username string
	Password string
}

// Login authenticates against the directory and opens a session. The
// identity record is persisted so a reconnect with the same token resumes
// the session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	u, err := s.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return s.adopt(ctx, *u)
}

// KeyLogin opens a session from a special key (master or per-user).
func (s *Service) KeyLogin(ctx context.Context, specialKey string) (*Session, error) {
	u, err := s.users.KeyLogin(ctx, specialKey)
	if err != nil {
		return nil, err
	}
	return s.adopt(ctx, *u)
}

// Adopt opens a session for an already-resolved identity (registration).
func (s *Service) Adopt(ctx context.Context, u domain.User) (*Session, error) {
	return s.adopt(ctx, u)
}

func (s *Service) adopt(ctx context.Context, u domain.User) (*Session, error) {
	if u.Token == "" {
		u.Token = user.NewToken("")
	}
	sess := &Session{Token: u.Token, User: u}

	if err := s.store.SaveIdentity(ctx, sess.Token, u); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.Token] = sess
	out := sess.clone()
	s.mu.Unlock()

	slog.InfoContext(ctx, "session: opened", "username", u.Username, "role", u.Role)
	return out, nil
}

// resume returns the canonical session record for a token, loading the
// persisted identity when this process has not seen the token yet. The
// shared pointer stays inside the service; callers mutate it only under
// s.mu.
func (s *Service) resume(ctx context.Context, token string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	u, ok, err := s.store.Identity(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("no session for token"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[token]; ok {
		return existing, nil
	}
	sess = &Session{Token: token, User: u}
	s.sessions[token] = sess
	return sess, nil
}

// Resume returns a snapshot of the session for a token, falling back to the
// persisted identity record. A ghost identity is never persisted, so
// resuming from a fresh process during an impersonation yields the original
// login identity.
func (s *Service) Resume(ctx context.Context, token string) (*Session, error) {
	sess, err := s.resume(ctx, token)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return sess.clone(), nil
}

// Logout closes the session and clears the persisted identity record.
func (s *Service) Logout(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return s.store.DeleteIdentity(ctx, token)
}

// Impersonate switches the session to a ghost of the target identity. Only
// admins, or sessions already impersonating, may call it. The real admin is
// remembered once: repeated calls keep the original identity, not the most
// recent ghost.
func (s *Service) Impersonate(ctx context.Context, token, target string) (*Session, error) {
	sess, err := s.resume(ctx, token)
	if err != nil {
		return nil, err
	}

	t, err := s.users.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !sess.HasAdminRights() {
		s.mu.Unlock()
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("impersonation requires admin rights"))
	}
	if sess.RealAdmin == nil {
		real := sess.User
		sess.RealAdmin = &real
	}
	ghost := *t
	ghost.Token = user.NewToken("GHOST-")
	sess.User = ghost
	out := sess.clone()
	s.mu.Unlock()

	slog.InfoContext(ctx, "session: impersonation started",
		"admin", out.RealAdmin.Username,
		"target", ghost.Username,
	)
	return out, nil
}

// StopImpersonation restores the saved real-admin identity. It is a no-op
// when the session is not impersonating.
func (s *Service) StopImpersonation(ctx context.Context, token string) (*Session, error) {
	sess, err := s.resume(ctx, token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if sess.RealAdmin == nil {
		out := sess.clone()
		s.mu.Unlock()
		return out, nil
	}
	ghost := sess.User.Username
	sess.User = *sess.RealAdmin
	sess.RealAdmin = nil
	out := sess.clone()
	s.mu.Unlock()

	slog.InfoContext(ctx, "session: impersonation stopped", "admin", out.User.Username, "ghost", ghost)
	return out, nil
}

// ApplyRename rewrites the session identity after an admin edited their own
// account, so the persisted record matches the directory again.
func (s *Service) ApplyRename(ctx context.Context, token string, updated domain.User) error {
	sess, err := s.resume(ctx, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	updated.Token = sess.User.Token
	updated.CanSkip = updated.IsAdmin()
	sess.User = updated
	persist := sess.RealAdmin == nil
	s.mu.Unlock()

	if !persist {
		return nil
	}
	return s.store.SaveIdentity(ctx, token, updated)
}

// RecordAttempt appends a finished attempt to the active identity's
// history. Ghost sessions write into the impersonated user's history, which
// is what a moderator walking through a student's terminal expects.
func (s *Service) RecordAttempt(ctx context.Context, token string, attempt domain.QuizAttempt) error {
	sess, err := s.Resume(ctx, token)
	if err != nil {
		return err
	}
	return s.store.AppendAttempt(ctx, sess.User.Username, attempt)
}

// AwardXP appends a synthetic attempt worth exactly amount XP under the
// standard formula: score = total = amount/20, no questions.
func (s *Service) AwardXP(ctx context.Context, token string, amount int64) error {
	sess, err := s.Resume(ctx, token)
	if err != nil {
		return err
	}

	value := decimal.NewFromInt(amount).Div(decimal.NewFromInt(20))
	attempt := domain.QuizAttempt{
		ID:   "sys-" + strings.ToLower(user.NewToken(""))[:5],
		Date: time.Now(),
		Settings: domain.QuizSettings{
			Subject:    domain.SubjectSystem,
			Topic:      "Award",
			Level:      domain.LevelHard,
			RandomSeed: "999",
		},
		Score:       value,
		Total:       value,
		UserAnswers: map[int]string{},
	}
	if err := s.store.AppendAttempt(ctx, sess.User.Username, attempt); err != nil {
		return fmt.Errorf("award xp: %w", err)
	}
	slog.InfoContext(ctx, "session: xp awarded", "username", sess.User.Username, "amount", amount)
	return nil
}

// Stats returns the derived statistics for the session's active identity.
func (s *Service) Stats(ctx context.Context, token string) (domain.StudentStats, error) {
	sess, err := s.Resume(ctx, token)
	if err != nil {
		return domain.StudentStats{}, err
	}
	attempts, err := s.store.Attempts(ctx, sess.User.Username)
	if err != nil {
		return domain.StudentStats{}, err
	}
	return ComputeStats(attempts), nil
}

var (
	twenty  = decimal.NewFromInt(20)
	hundred = decimal.NewFromInt(100)
)

// ComputeStats derives XP, level and per-subject accuracy from an attempt
// list. It is a pure function of its input.
func ComputeStats(attempts []domain.QuizAttempt) domain.StudentStats {
	scoreSum := decimal.Zero
	for _, a := range attempts {
		scoreSum = scoreSum.Add(a.Score)
	}
	totalXP := scoreSum.Mul(twenty).IntPart()

	performance := make(map[domain.Subject]int, len(domain.Subjects))
	for _, subject := range domain.Subjects {
		subScore, subTotal := decimal.Zero, decimal.Zero
		for _, a := range attempts {
			if a.Settings.Subject != subject {
				continue
			}
			subScore = subScore.Add(a.Score)
			subTotal = subTotal.Add(a.Total)
		}
		if subTotal.IsZero() {
			performance[subject] = 0
			continue
		}
		performance[subject] = int(subScore.Mul(hundred).Div(subTotal).Round(0).IntPart())
	}

	return domain.StudentStats{
		TotalXP:            totalXP,
		Level:              totalXP/100 + 1,
		CompletedQuizzes:   len(attempts),
		SubjectPerformance: performance,
	}
}
