package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mkaraca/quizgate/internal/domain"
)

// Logical keys. Per-identity keys are derived; everything else is a single
// shared slot. No relational integrity is enforced between keys.
const (
	keyUsers         = "app:users"
	keyBans          = "app:bans"
	keyReports       = "app:reports"
	keyAIInstruction = "app:ai_instruction"
	keyMasterKey     = "app:master_key"
	keyLastAction    = "app:admin_action"

	attemptsKeyPrefix = "app:attempts:"
	identityKeyPrefix = "app:identity:"
)

// Store is the typed repository over the raw KV. Component logic only ever
// sees decoded structures, never encoded strings. A corrupted stored value
// decodes to the type's empty default instead of failing the caller.
type Store struct {
	kv KV
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

// getJSON decodes the value at key into v. Missing keys and malformed
// payloads both leave v at its zero value; malformed payloads are logged
// and otherwise treated as absent.
func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.WarnContext(ctx, "store: discarding malformed value", "key", key, "error", err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(raw))
}

// Users returns the user directory; empty when unset or corrupted.
func (s *Store) Users(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := s.getJSON(ctx, keyUsers, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) SaveUsers(ctx context.Context, users []domain.User) error {
	return s.setJSON(ctx, keyUsers, users)
}

// Attempts returns the ordered attempt history for a username.
func (s *Store) Attempts(ctx context.Context, username string) ([]domain.QuizAttempt, error) {
	var attempts []domain.QuizAttempt
	if err := s.getJSON(ctx, attemptsKeyPrefix+username, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (s *Store) SaveAttempts(ctx context.Context, username string, attempts []domain.QuizAttempt) error {
	return s.setJSON(ctx, attemptsKeyPrefix+username, attempts)
}

func (s *Store) DeleteAttempts(ctx context.Context, username string) error {
	return s.kv.Del(ctx, attemptsKeyPrefix+username)
}

// AppendAttempt appends one attempt to a user's history.
func (s *Store) AppendAttempt(ctx context.Context, username string, attempt domain.QuizAttempt) error {
	attempts, err := s.Attempts(ctx, username)
	if err != nil {
		return err
	}
	return s.SaveAttempts(ctx, username, append(attempts, attempt))
}

// Bans returns the ban table keyed by username.
func (s *Store) Bans(ctx context.Context) (map[string]domain.BanRecord, error) {
	bans := make(map[string]domain.BanRecord)
	if err := s.getJSON(ctx, keyBans, &bans); err != nil {
		return nil, err
	}
	return bans, nil
}

func (s *Store) SaveBans(ctx context.Context, bans map[string]domain.BanRecord) error {
	return s.setJSON(ctx, keyBans, bans)
}

// Reports returns all reports, newest first.
func (s *Store) Reports(ctx context.Context) ([]domain.Report, error) {
	var reports []domain.Report
	if err := s.getJSON(ctx, keyReports, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Store) SaveReports(ctx context.Context, reports []domain.Report) error {
	return s.setJSON(ctx, keyReports, reports)
}

// AIInstruction returns the admin-configured generation instruction, or ""
// when unset.
func (s *Store) AIInstruction(ctx context.Context) (string, error) {
	v, _, err := s.kv.Get(ctx, keyAIInstruction)
	return v, err
}

func (s *Store) SetAIInstruction(ctx context.Context, instruction string) error {
	return s.kv.Set(ctx, keyAIInstruction, instruction)
}

// MasterKey returns the master bypass key, or "" when unset.
func (s *Store) MasterKey(ctx context.Context) (string, error) {
	v, _, err := s.kv.Get(ctx, keyMasterKey)
	return v, err
}

func (s *Store) SetMasterKey(ctx context.Context, key string) error {
	return s.kv.Set(ctx, keyMasterKey, key)
}

// LastAction returns the latest broadcast action, if any.
func (s *Store) LastAction(ctx context.Context) (domain.AdminAction, bool, error) {
	raw, ok, err := s.kv.Get(ctx, keyLastAction)
	if err != nil || !ok {
		return domain.AdminAction{}, false, err
	}
	var action domain.AdminAction
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		slog.WarnContext(ctx, "store: discarding malformed value", "key", keyLastAction, "error", err)
		return domain.AdminAction{}, false, nil
	}
	return action, true, nil
}

func (s *Store) SetLastAction(ctx context.Context, action domain.AdminAction) error {
	return s.setJSON(ctx, keyLastAction, action)
}

// Identity returns the persisted current-identity record for a session
// token, so a reconnect resumes the session.
func (s *Store) Identity(ctx context.Context, token string) (domain.User, bool, error) {
	raw, ok, err := s.kv.Get(ctx, identityKeyPrefix+token)
	if err != nil || !ok {
		return domain.User{}, false, err
	}
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		slog.WarnContext(ctx, "store: discarding malformed value", "key", identityKeyPrefix+token, "error", err)
		return domain.User{}, false, nil
	}
	return u, true, nil
}

func (s *Store) SaveIdentity(ctx context.Context, token string, u domain.User) error {
	return s.setJSON(ctx, identityKeyPrefix+token, u)
}

func (s *Store) DeleteIdentity(ctx context.Context, token string) error {
	return s.kv.Del(ctx, identityKeyPrefix+token)
}

// RenameUserData migrates the per-user attempt history and ban record from
// one username to another. Callers hold no lock; with a single logical
// writer per admin operation the intermediate states are not observable in
// practice, matching the store's last-write-wins model.
func (s *Store) RenameUserData(ctx context.Context, oldName, newName string) error {
	attempts, err := s.Attempts(ctx, oldName)
	if err != nil {
		return err
	}
	if len(attempts) > 0 {
		if err := s.SaveAttempts(ctx, newName, attempts); err != nil {
			return err
		}
		if err := s.DeleteAttempts(ctx, oldName); err != nil {
			return err
		}
	}

	bans, err := s.Bans(ctx)
	if err != nil {
		return err
	}
	if record, ok := bans[oldName]; ok {
		bans[newName] = record
		delete(bans, oldName)
		if err := s.SaveBans(ctx, bans); err != nil {
			return err
		}
	}
	return nil
}
