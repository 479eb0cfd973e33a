package user

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/store"
)

const (
	// adminSignupSecret gates self-service registration of admin accounts.
	adminSignupSecret = "TEKNOFEST2025"

	defaultAdminUsername = "admin"
	defaultAdminPassword = "admin"
	defaultAdminKey      = "MASTER"
	defaultMasterKey     = "QUIZGATE_MASTER_2025"

	// masterUsername is the built-in identity issued by a master-key login.
	masterUsername = "overseer"
)

type Config struct {
	Store *store.Store
}

// Service owns the user directory: registration, authentication and the
// admin-facing CRUD, including the cascading rename of dependent records.
type Service struct {
	store *store.Store
}

func NewService(c Config) *Service {
	return &Service{store: c.Store}
}

// Seed creates the default admin account and the master bypass key on first
// run. It is idempotent.
func (s *Service) Seed(ctx context.Context) error {
	users, err := s.store.Users(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	if findUser(users, defaultAdminUsername) == nil {
		users = append(users, domain.User{
			Username:   defaultAdminUsername,
			Password:   defaultAdminPassword,
			Role:       domain.RoleAdmin,
			SpecialKey: defaultAdminKey,
		})
		if err := s.store.SaveUsers(ctx, users); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		slog.InfoContext(ctx, "user: seeded default admin account")
	}

	key, err := s.store.MasterKey(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if key == "" {
		if err := s.store.SetMasterKey(ctx, defaultMasterKey); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}

type RegisterRequest struct {
	Username    string
	Password    string
	Role        domain.Role
	SpecialKey  string
	AdminSecret string
}

// Register creates a new account. Admin registrations require the signup
// secret; duplicate usernames are rejected case-insensitively with no
// partial write.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username and password are required"))
	}
	if req.Role == "" {
		req.Role = domain.RoleStudent
	}
	if req.Role == domain.RoleAdmin && req.AdminSecret != adminSignupSecret {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("invalid admin authorization code"))
	}

	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	if findUser(users, username) != nil {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username %q is taken", username))
	}

	u := domain.User{
		Username:   username,
		Password:   password,
		Role:       req.Role,
		SpecialKey: strings.ToUpper(strings.TrimSpace(req.SpecialKey)),
		Token:      NewToken(""),
		CanSkip:    req.Role == domain.RoleAdmin,
	}
	if err := s.store.SaveUsers(ctx, append(users, u)); err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate matches a username/password pair against the directory.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	for _, u := range users {
		if u.Username == username && u.Password == password {
			u.Token = NewToken("")
			u.CanSkip = u.IsAdmin()
			return &u, nil
		}
	}
	return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("credentials do not match"))
}

// KeyLogin resolves a special key. The master bypass key short-circuits to
// the built-in master admin identity; otherwise the key must belong to a
// directory user.
func (s *Service) KeyLogin(ctx context.Context, specialKey string) (*domain.User, error) {
	specialKey = strings.TrimSpace(specialKey)
	if len(specialKey) < 4 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("key too short"))
	}

	masterKey, err := s.store.MasterKey(ctx)
	if err != nil {
		return nil, err
	}
	if masterKey != "" && specialKey == masterKey {
		return &domain.User{
			Username: masterUsername,
			Role:     domain.RoleAdmin,
			Token:    NewToken("MASTER-"),
			CanSkip:  true,
		}, nil
	}

	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.SpecialKey != "" && u.SpecialKey == specialKey {
			u.Token = NewToken("")
			u.CanSkip = u.IsAdmin()
			return &u, nil
		}
	}
	return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("unknown key"))
}

type CreateRequest struct {
	Username   string
	Password   string
	Role       domain.Role
	SpecialKey string
}

// Create adds a user from the admin dashboard.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.User, error) {
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username and password are required"))
	}
	if req.Role == "" {
		req.Role = domain.RoleStudent
	}

	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	if findUser(users, username) != nil {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username %q is taken", username))
	}

	u := domain.User{
		Username:   username,
		Password:   password,
		Role:       req.Role,
		SpecialKey: strings.ToUpper(strings.TrimSpace(req.SpecialKey)),
		Token:      NewToken(""),
		CanSkip:    req.Role == domain.RoleAdmin,
	}
	if err := s.store.SaveUsers(ctx, append(users, u)); err != nil {
		return nil, err
	}
	return &u, nil
}

type UpdateRequest struct {
	// OldUsername selects the account to rewrite.
	OldUsername string
	Username    string
	Password    string
	Role        domain.Role
}

// Update rewrites an account's username, password and role. A rename
// migrates the user's attempt history and ban record to the new key.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*domain.User, error) {
	newName := strings.TrimSpace(req.Username)
	newPass := strings.TrimSpace(req.Password)
	oldName := strings.TrimSpace(req.OldUsername)
	if newName == "" || newPass == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username and password are required"))
	}

	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(newName, oldName) && findUser(users, newName) != nil {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username %q is taken", newName))
	}

	var updated *domain.User
	for i := range users {
		if strings.TrimSpace(users[i].Username) == oldName {
			users[i].Username = newName
			users[i].Password = newPass
			users[i].Role = req.Role
			users[i].CanSkip = req.Role == domain.RoleAdmin
			updated = &users[i]
			break
		}
	}
	if updated == nil {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user %q not found", oldName))
	}

	if newName != oldName {
		if err := s.store.RenameUserData(ctx, oldName, newName); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "user: identity migrated", "from", oldName, "to", newName)
	}

	if err := s.store.SaveUsers(ctx, users); err != nil {
		return nil, err
	}
	out := *updated
	return &out, nil
}

// Delete removes an account together with its attempt history and ban
// record. Deleting the acting identity is rejected before any mutation.
func (s *Service) Delete(ctx context.Context, actor domain.User, target string) error {
	target = strings.TrimSpace(target)
	if strings.EqualFold(target, strings.TrimSpace(actor.Username)) {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("the active session cannot be deleted"))
	}

	users, err := s.store.Users(ctx)
	if err != nil {
		return err
	}

	// Dependent records key on the stored spelling, not the caller's, so a
	// differently-cased request still cleans up everything.
	kept := users[:0]
	stored := ""
	for _, u := range users {
		if stored == "" && strings.EqualFold(strings.TrimSpace(u.Username), target) {
			stored = strings.TrimSpace(u.Username)
			continue
		}
		kept = append(kept, u)
	}
	if stored == "" {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("user %q not found", target))
	}

	if err := s.store.SaveUsers(ctx, kept); err != nil {
		return err
	}
	if err := s.store.DeleteAttempts(ctx, stored); err != nil {
		return err
	}

	bans, err := s.store.Bans(ctx)
	if err != nil {
		return err
	}
	changed := false
	for name := range bans {
		if strings.EqualFold(name, stored) {
			delete(bans, name)
			changed = true
		}
	}
	if changed {
		if err := s.store.SaveBans(ctx, bans); err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "user: account removed", "username", stored, "actor", actor.Username)
	return nil
}

// List returns the full directory.
func (s *Service) List(ctx context.Context) ([]domain.User, error) {
	return s.store.Users(ctx)
}

// Get looks up a single user by name (case-insensitive).
func (s *Service) Get(ctx context.Context, username string) (*domain.User, error) {
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	if u := findUser(users, username); u != nil {
		return u, nil
	}
	return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user %q not found", username))
}

func findUser(users []domain.User, username string) *domain.User {
	for i := range users {
		if strings.EqualFold(strings.TrimSpace(users[i].Username), strings.TrimSpace(username)) {
			u := users[i]
			return &u
		}
	}
	return nil
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewToken returns a short random session token with an optional marker
// prefix ("GHOST-" for impersonation, "MASTER-" for master-key logins).
func NewToken(prefix string) string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("user: read random: %v", err))
	}
	for i := range b {
		b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return prefix + string(b)
}
