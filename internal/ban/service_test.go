package ban_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkaraca/quizgate/internal/ban"
	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/store"
)

func TestService_Evaluate(t *testing.T) {
	type (
		inputs struct {
			record        *domain.BanRecord
			identity      domain.User
			impersonating bool
		}

		outputs struct {
			status ban.Status
		}
	)

	student := domain.User{Username: "s1", Role: domain.RoleStudent}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"an expired record should be inactive": {
			arrange: func() inputs {
				return inputs{
					record:   &domain.BanRecord{ExpiresAt: time.Now().UnixMilli() - 1},
					identity: student,
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.False(t, out.status.Banned)
			},
		},

		"a future expiry should be active": {
			arrange: func() inputs {
				return inputs{
					record:   &domain.BanRecord{ExpiresAt: time.Now().UnixMilli() + 60000, Message: "m"},
					identity: student,
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.True(t, out.status.Banned)
				assert.Equal(t, "m", out.status.Message)
			},
		},

		"a zero expiry should be active indefinitely": {
			arrange: func() inputs {
				return inputs{
					record:   &domain.BanRecord{ExpiresAt: 0},
					identity: student,
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.True(t, out.status.Banned)
			},
		},

		"an admin should never be banned": {
			arrange: func() inputs {
				return inputs{
					record:   &domain.BanRecord{ExpiresAt: 0},
					identity: domain.User{Username: "s1", Role: domain.RoleAdmin},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.False(t, out.status.Banned)
			},
		},

		"an impersonating ghost should never be banned": {
			arrange: func() inputs {
				return inputs{
					record:        &domain.BanRecord{ExpiresAt: 0},
					identity:      student,
					impersonating: true,
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.False(t, out.status.Banned)
			},
		},

		"no record should mean not banned": {
			arrange: func() inputs {
				return inputs{identity: student}
			},

			assert: func(t *testing.T, out outputs) {
				assert.False(t, out.status.Banned)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			s, st := makeService(t)
			ctx := context.Background()

			if in.record != nil {
				require.NoError(t, st.SaveBans(ctx, map[string]domain.BanRecord{
					in.identity.Username: *in.record,
				}))
			}

			status, err := s.Evaluate(ctx, in.identity, in.impersonating)
			require.NoError(t, err)
			tt.assert(t, outputs{status: status})
		})
	}
}

func TestService_Ban(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()
	actor := domain.User{Username: "admin", Role: domain.RoleAdmin}

	t.Run("banning the acting identity should be rejected", func(t *testing.T) {
		_, err := s.Ban(ctx, ban.BanRequest{Actor: actor, Target: "Admin"})
		require.Error(t, err)
		assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)
	})

	t.Run("a timed ban should expire in the future", func(t *testing.T) {
		record, err := s.Ban(ctx, ban.BanRequest{Actor: actor, Target: "s1", DurationMinutes: 10})
		require.NoError(t, err)
		assert.Greater(t, record.ExpiresAt, time.Now().UnixMilli())
	})

	t.Run("a zero duration should be indefinite", func(t *testing.T) {
		record, err := s.Ban(ctx, ban.BanRequest{Actor: actor, Target: "s2"})
		require.NoError(t, err)
		assert.Zero(t, record.ExpiresAt)
	})

	t.Run("unbanning an absent record should not fail", func(t *testing.T) {
		require.NoError(t, s.Unban(ctx, "nobody"))
	})

	t.Run("unban should remove the record", func(t *testing.T) {
		require.NoError(t, s.Unban(ctx, "s2"))
		bans, err := s.Table(ctx)
		require.NoError(t, err)
		assert.NotContains(t, bans, "s2")
	})
}

func TestService_BanKeysFollowDirectoryCasing(t *testing.T) {
	s, st := makeService(t)
	ctx := context.Background()
	actor := domain.User{Username: "admin", Role: domain.RoleAdmin}

	require.NoError(t, st.SaveUsers(ctx, []domain.User{
		{Username: "Selin", Role: domain.RoleStudent},
	}))

	// However the request cases the name, the record keys on the
	// directory's spelling, so evaluation for the stored identity sees it.
	_, err := s.Ban(ctx, ban.BanRequest{Actor: actor, Target: "sELIN"})
	require.NoError(t, err)

	bans, err := s.Table(ctx)
	require.NoError(t, err)
	require.Contains(t, bans, "Selin")
	require.NotContains(t, bans, "sELIN")

	status, err := s.Evaluate(ctx, domain.User{Username: "Selin", Role: domain.RoleStudent}, false)
	require.NoError(t, err)
	assert.True(t, status.Banned)

	require.NoError(t, s.Unban(ctx, "SELIN"))
	bans, err = s.Table(ctx)
	require.NoError(t, err)
	require.NotContains(t, bans, "Selin")
}

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func TestMonitor_ReportsTransitions(t *testing.T) {
	s, st := makeService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := &fakeTicker{ch: make(chan time.Time)}
	m := ban.NewMonitor(ban.MonitorConfig{
		Bans:          s,
		NewTickerFunc: func(time.Duration) ban.Ticker { return ft },
	})

	student := domain.User{Username: "s1", Role: domain.RoleStudent}
	statuses := make(chan ban.Status, 8)
	go m.Run(ctx, func() (domain.User, bool) { return student, false }, func(st ban.Status) {
		statuses <- st
	})

	tick := func() { ft.ch <- time.Now() }
	next := func() ban.Status {
		select {
		case st := <-statuses:
			return st
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a status transition")
			return ban.Status{}
		}
	}

	// The first tick always reports the derived status.
	tick()
	assert.False(t, next().Banned)

	_, err := s.Ban(ctx, ban.BanRequest{
		Actor:  domain.User{Username: "admin", Role: domain.RoleAdmin},
		Target: "s1",
	})
	require.NoError(t, err)

	tick()
	got := next()
	assert.True(t, got.Banned)
	assert.NotEmpty(t, got.Message)

	// Expiry by time passing is picked up without any unban event.
	require.NoError(t, st.SaveBans(ctx, map[string]domain.BanRecord{
		"s1": {ExpiresAt: time.Now().UnixMilli() - 1},
	}))

	tick()
	assert.False(t, next().Banned)

	// An unchanged status does not fire again; the next change does.
	tick()
	require.NoError(t, s.Unban(ctx, "s1"))
	_, err = s.Ban(ctx, ban.BanRequest{
		Actor:  domain.User{Username: "admin", Role: domain.RoleAdmin},
		Target: "s1",
	})
	require.NoError(t, err)

	tick()
	assert.True(t, next().Banned)
}

func makeService(t *testing.T) (*ban.Service, *store.Store) {
	st := store.New(store.NewMemoryKV())
	return ban.NewService(ban.Config{Store: st}), st
}
