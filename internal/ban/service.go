package ban

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/store"
)

type Config struct {
	Store *store.Store
}

// Service mutates and evaluates the ban table. Activity is always derived
// from the current time at the moment of the check; expired records stay in
// the table and simply stop applying.
type Service struct {
	store *store.Store
}

func NewService(c Config) *Service {
	return &Service{store: c.Store}
}

type BanRequest struct {
	Actor           domain.User
	Target          string
	DurationMinutes int64
}

// canonical resolves a target name to the directory's stored spelling, so
// ban records key consistently however the request cased the name. Names
// without a directory entry pass through trimmed.
func (s *Service) canonical(ctx context.Context, target string) (string, error) {
	target = strings.TrimSpace(target)
	users, err := s.store.Users(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if strings.EqualFold(strings.TrimSpace(u.Username), target) {
			return strings.TrimSpace(u.Username), nil
		}
	}
	return target, nil
}

// Ban creates or replaces the target's ban record. Duration zero means
// indefinite. Banning the acting identity is rejected before any mutation.
func (s *Service) Ban(ctx context.Context, req BanRequest) (domain.BanRecord, error) {
	if strings.EqualFold(strings.TrimSpace(req.Target), strings.TrimSpace(req.Actor.Username)) {
		return domain.BanRecord{}, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("the active session cannot be banned"))
	}
	target, err := s.canonical(ctx, req.Target)
	if err != nil {
		return domain.BanRecord{}, err
	}

	var expiresAt int64
	label := "indefinitely"
	if req.DurationMinutes > 0 {
		expiresAt = time.Now().Add(time.Duration(req.DurationMinutes) * time.Minute).UnixMilli()
		label = fmt.Sprintf("for %d minutes", req.DurationMinutes)
	}
	record := domain.BanRecord{
		ExpiresAt: expiresAt,
		Message:   fmt.Sprintf("Your terminal access has been suspended by a moderator %s.", label),
	}

	bans, err := s.store.Bans(ctx)
	if err != nil {
		return domain.BanRecord{}, err
	}
	for name := range bans {
		if name != target && strings.EqualFold(name, target) {
			delete(bans, name)
		}
	}
	bans[target] = record
	if err := s.store.SaveBans(ctx, bans); err != nil {
		return domain.BanRecord{}, err
	}

	slog.InfoContext(ctx, "ban: access suspended",
		"target", target, "actor", req.Actor.Username, "durationMinutes", req.DurationMinutes)
	return record, nil
}

// Unban removes the target's ban record, matching the name
// case-insensitively. Removing an absent record is not an error.
func (s *Service) Unban(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	bans, err := s.store.Bans(ctx)
	if err != nil {
		return err
	}
	removed := false
	for name := range bans {
		if strings.EqualFold(name, target) {
			delete(bans, name)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	if err := s.store.SaveBans(ctx, bans); err != nil {
		return err
	}
	slog.InfoContext(ctx, "ban: access restored", "target", target)
	return nil
}

// Table returns the full ban table.
func (s *Service) Table(ctx context.Context) (map[string]domain.BanRecord, error) {
	return s.store.Bans(ctx)
}

// Status is one evaluation of the ban table for an identity.
type Status struct {
	Banned  bool
	Message string
}

// Evaluate re-reads the ban table and derives the status fresh. Admins and
// impersonating ghosts are never banned regardless of table contents.
func (s *Service) Evaluate(ctx context.Context, identity domain.User, impersonating bool) (Status, error) {
	if identity.IsAdmin() || impersonating {
		return Status{}, nil
	}

	bans, err := s.store.Bans(ctx)
	if err != nil {
		return Status{}, err
	}
	record, ok := bans[identity.Username]
	if !ok || !record.Active(time.Now()) {
		return Status{}, nil
	}

	message := record.Message
	if message == "" {
		message = "Access restricted."
	}
	return Status{Banned: true, Message: message}, nil
}
