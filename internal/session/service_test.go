package session_test

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/session"
	"github.com/mkaraca/quizgate/internal/store"
	"github.com/mkaraca/quizgate/internal/user"
)

func TestComputeStats(t *testing.T) {
	type (
		inputs struct {
			attempts []domain.QuizAttempt
		}

		outputs struct {
			stats domain.StudentStats
		}
	)

	attempt := func(subject domain.Subject, score, total int64) domain.QuizAttempt {
		return domain.QuizAttempt{
			Settings: domain.QuizSettings{Subject: subject},
			Score:    decimal.NewFromInt(score),
			Total:    decimal.NewFromInt(total),
		}
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"scores 4, 5 and 3 should yield 240 XP and level 3": {
			arrange: func() inputs {
				return inputs{attempts: []domain.QuizAttempt{
					attempt(domain.SubjectMath, 4, 5),
					attempt(domain.SubjectMath, 5, 5),
					attempt(domain.SubjectScience, 3, 5),
				}}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, int64(240), out.stats.TotalXP)
				assert.Equal(t, int64(3), out.stats.Level)
				assert.Equal(t, 3, out.stats.CompletedQuizzes)
			},
		},

		"no attempts should yield level 1 and zero accuracy everywhere": {
			arrange: func() inputs {
				return inputs{}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, int64(0), out.stats.TotalXP)
				assert.Equal(t, int64(1), out.stats.Level)
				for _, subject := range domain.Subjects {
					assert.Equal(t, 0, out.stats.SubjectPerformance[subject])
				}
			},
		},

		"subject accuracy should be rounded per subject and zero without attempts": {
			arrange: func() inputs {
				return inputs{attempts: []domain.QuizAttempt{
					attempt(domain.SubjectMath, 4, 5),
					attempt(domain.SubjectMath, 1, 5),
					attempt(domain.SubjectScience, 1, 3),
				}}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, 50, out.stats.SubjectPerformance[domain.SubjectMath])
				assert.Equal(t, 33, out.stats.SubjectPerformance[domain.SubjectScience])
				assert.Equal(t, 0, out.stats.SubjectPerformance[domain.SubjectLanguage])
			},
		},

		"a fractional award attempt should contribute its exact amount": {
			arrange: func() inputs {
				value := decimal.NewFromInt(50).Div(decimal.NewFromInt(20))
				return inputs{attempts: []domain.QuizAttempt{
					{
						Settings: domain.QuizSettings{Subject: domain.SubjectSystem},
						Score:    value,
						Total:    value,
					},
				}}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, int64(50), out.stats.TotalXP)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			tt.assert(t, outputs{stats: session.ComputeStats(in.attempts)})
		})
	}
}

func TestService_Impersonation(t *testing.T) {
	s, users, _ := makeService(t)
	ctx := context.Background()

	_, err := users.Register(ctx, user.RegisterRequest{Username: "s1", Password: "pw"})
	require.NoError(t, err)
	_, err = users.Register(ctx, user.RegisterRequest{Username: "s2", Password: "pw"})
	require.NoError(t, err)

	admin, err := s.Login(ctx, session.LoginRequest{Username: "admin", Password: "admin"})
	require.NoError(t, err)

	ghost, err := s.Impersonate(ctx, admin.Token, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", ghost.User.Username)
	assert.True(t, strings.HasPrefix(ghost.User.Token, "GHOST-"))
	assert.True(t, ghost.HasAdminRights())

	// Impersonation stacks one level deep: the saved real identity stays
	// the original admin, not the previous ghost.
	ghost2, err := s.Impersonate(ctx, admin.Token, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", ghost2.User.Username)
	require.NotNil(t, ghost2.RealAdmin)
	assert.Equal(t, "admin", ghost2.RealAdmin.Username)

	restored, err := s.StopImpersonation(ctx, admin.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", restored.User.Username)
	assert.False(t, restored.Impersonating())

	// Stopping again is a no-op.
	again, err := s.StopImpersonation(ctx, admin.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", again.User.Username)
}

func TestService_ImpersonationRequiresAdminRights(t *testing.T) {
	s, users, _ := makeService(t)
	ctx := context.Background()

	_, err := users.Register(ctx, user.RegisterRequest{Username: "s1", Password: "pw"})
	require.NoError(t, err)

	student, err := s.Login(ctx, session.LoginRequest{Username: "s1", Password: "pw"})
	require.NoError(t, err)

	_, err = s.Impersonate(ctx, student.Token, "admin")
	require.Error(t, err)
}

func TestService_ImpersonationIsNotPersisted(t *testing.T) {
	s, users, st := makeService(t)
	ctx := context.Background()

	_, err := users.Register(ctx, user.RegisterRequest{Username: "s1", Password: "pw"})
	require.NoError(t, err)

	admin, err := s.Login(ctx, session.LoginRequest{Username: "admin", Password: "admin"})
	require.NoError(t, err)
	_, err = s.Impersonate(ctx, admin.Token, "s1")
	require.NoError(t, err)

	// A reconnect resolves the persisted identity record, which still holds
	// the real login, not the ghost.
	fresh := session.NewService(session.Config{Store: st, Users: users})
	resumed, err := fresh.Resume(ctx, admin.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", resumed.User.Username)
	assert.False(t, resumed.Impersonating())
}

func TestService_AwardXP(t *testing.T) {
	s, users, st := makeService(t)
	ctx := context.Background()

	_, err := users.Register(ctx, user.RegisterRequest{Username: "a", Password: "pw"})
	require.NoError(t, err)
	_, err = users.Register(ctx, user.RegisterRequest{Username: "b", Password: "pw"})
	require.NoError(t, err)

	sessA, err := s.Login(ctx, session.LoginRequest{Username: "a", Password: "pw"})
	require.NoError(t, err)
	_, err = s.Login(ctx, session.LoginRequest{Username: "b", Password: "pw"})
	require.NoError(t, err)

	require.NoError(t, s.AwardXP(ctx, sessA.Token, 50))

	statsA, err := s.Stats(ctx, sessA.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(50), statsA.TotalXP)

	attemptsA, err := st.Attempts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, attemptsA, 1)
	assert.True(t, strings.HasPrefix(attemptsA[0].ID, "sys-"))
	assert.Equal(t, domain.SubjectSystem, attemptsA[0].Settings.Subject)

	// An award applied to one session leaves every other user untouched.
	attemptsB, err := st.Attempts(ctx, "b")
	require.NoError(t, err)
	require.Empty(t, attemptsB)
}

func TestService_ResumeReturnsSnapshots(t *testing.T) {
	s, users, _ := makeService(t)
	ctx := context.Background()

	_, err := users.Register(ctx, user.RegisterRequest{Username: "s1", Password: "pw"})
	require.NoError(t, err)

	admin, err := s.Login(ctx, session.LoginRequest{Username: "admin", Password: "admin"})
	require.NoError(t, err)

	before, err := s.Resume(ctx, admin.Token)
	require.NoError(t, err)

	_, err = s.Impersonate(ctx, admin.Token, "s1")
	require.NoError(t, err)

	// The copy handed out earlier is frozen at its point in time.
	assert.Equal(t, "admin", before.User.Username)
	assert.False(t, before.Impersonating())

	after, err := s.Resume(ctx, admin.Token)
	require.NoError(t, err)
	assert.Equal(t, "s1", after.User.Username)

	// Writing through a returned copy never reaches the service.
	after.User.Username = "mangled"
	check, err := s.Resume(ctx, admin.Token)
	require.NoError(t, err)
	assert.Equal(t, "s1", check.User.Username)
}

func TestService_ConcurrentResumeDuringImpersonation(t *testing.T) {
	s, users, _ := makeService(t)
	ctx := context.Background()

	_, err := users.Register(ctx, user.RegisterRequest{Username: "s1", Password: "pw"})
	require.NoError(t, err)

	admin, err := s.Login(ctx, session.LoginRequest{Username: "admin", Password: "admin"})
	require.NoError(t, err)

	// Readers hammer the session while impersonation flips it back and
	// forth; the race detector flags any unsynchronized access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			sess, err := s.Resume(ctx, admin.Token)
			if err != nil {
				return
			}
			_ = sess.User.Username
			_ = sess.Impersonating()
			_ = sess.HasAdminRights()
		}
	}()

	for i := 0; i < 100; i++ {
		_, err := s.Impersonate(ctx, admin.Token, "s1")
		require.NoError(t, err)
		_, err = s.StopImpersonation(ctx, admin.Token)
		require.NoError(t, err)
	}
	<-done

	final, err := s.Resume(ctx, admin.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", final.User.Username)
}

func TestService_LogoutClearsIdentity(t *testing.T) {
	s, _, _ := makeService(t)
	ctx := context.Background()

	sess, err := s.Login(ctx, session.LoginRequest{Username: "admin", Password: "admin"})
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, sess.Token))

	_, err = s.Resume(ctx, sess.Token)
	require.Error(t, err)
}

func makeService(t *testing.T) (*session.Service, *user.Service, *store.Store) {
	st := store.New(store.NewMemoryKV())
	users := user.NewService(user.Config{Store: st})
	require.NoError(t, users.Seed(context.Background()))

	return session.NewService(session.Config{Store: st, Users: users}), users, st
}
