package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/event"
	"github.com/mkaraca/quizgate/internal/store"
)

type Config struct {
	Redis    redis.UniversalClient
	Store    *store.Store
	EventBus *event.Bus
	Prefix   string
}

// Service is the admin broadcast channel. Publish overwrites the shared
// latest-action slot and fans the action out over a redis pub/sub topic;
// every connected process republishes observed actions onto its in-process
// event bus. Delivery is best-effort, at-most-once per observer and
// unordered across observers: there is no queue, no acknowledgment and no
// replay of actions published while an observer was away.
type Service struct {
	redis  redis.UniversalClient
	store  *store.Store
	eb     *event.Bus
	prefix string
}

func NewService(c Config) *Service {
	return &Service{
		redis:  c.Redis,
		store:  c.Store,
		eb:     c.EventBus,
		prefix: c.Prefix,
	}
}

// Publish stamps the action with a fresh timestamp and the publishing
// admin's token, stores it in the latest-action slot and notifies
// observers. The publisher's own session is not notified through this
// path; callers that want the effect locally apply it themselves.
func (s *Service) Publish(ctx context.Context, action domain.AdminAction, adminToken string) error {
	action.Timestamp = time.Now().UnixMilli()
	action.AdminID = adminToken

	if err := s.store.SetLastAction(ctx, action); err != nil {
		return fmt.Errorf("broadcast: store action: %w", err)
	}

	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("broadcast: marshal %s: %w", action.Type, err)
	}
	if err := s.redis.Publish(ctx, s.channel(), b).Err(); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", action.Type, err)
	}

	slog.InfoContext(ctx, "broadcast: action published", "type", action.Type, "target", action.Target())
	return nil
}

// Run consumes the pub/sub topic and republishes observed actions onto the
// in-process event bus until ctx is done. Malformed payloads are dropped.
func (s *Service) Run(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.channel())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var action domain.AdminAction
			if err := json.Unmarshal([]byte(msg.Payload), &action); err != nil {
				slog.WarnContext(ctx, "broadcast: dropping malformed action", "error", err)
				continue
			}
			s.eb.Publish(ctx, domain.EventAdminAction{Action: action})
		}
	}
}

// Handler receives observed actions.
type Handler func(ctx context.Context, action domain.AdminAction)

// Subscribe registers a handler for actions observed by this process,
// suppressing the publisher's own actions (matched by session token). The
// returned cancel function must be called when the observer goes away.
func (s *Service) Subscribe(ownToken string, h Handler) (cancel func()) {
	return s.eb.Subscribe(domain.EventNameAdminAction, func(ctx context.Context, e event.Event) error {
		action := e.(domain.EventAdminAction).Action
		if action.AdminID != "" && action.AdminID == ownToken {
			return nil
		}
		h(ctx, action)
		return nil
	})
}

// LastAction returns the latest published action, if any. New observers use
// it for display only; it is not a delivery mechanism.
func (s *Service) LastAction(ctx context.Context) (domain.AdminAction, bool, error) {
	return s.store.LastAction(ctx)
}

func (s *Service) channel() string {
	return s.prefix + ":admin:actions"
}
