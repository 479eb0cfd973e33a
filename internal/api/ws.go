package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mkaraca/quizgate/internal/ban"
	"github.com/mkaraca/quizgate/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Notification is the outbound websocket envelope.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type banNotice struct {
	Banned  bool   `json:"banned"`
	Message string `json:"message,omitempty"`
}

type textNotice struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type xpNotice struct {
	Amount int64 `json:"amount"`
}

// outbox serializes pushes onto the writer channel and survives the
// connection teardown: once closed, further pushes are dropped instead of
// hitting a closed channel. Pushes also never block the caller; a session
// that cannot drain its pending notices loses the surplus.
type outbox struct {
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

func newOutbox(size int) *outbox {
	return &outbox{ch: make(chan Notification, size)}
}

func (o *outbox) push(n Notification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- n:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// feed is the per-session push channel: observed admin actions, derived
// notices and ban-status transitions. One connection per session token.
func (a *API) feed(c *gin.Context) {
	sess := currentSession(c)
	token := sess.Token

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := newOutbox(16)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range out.ch {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	a.registerFeed(token, out.push)
	defer a.unregisterFeed(token)

	cancelActions := a.broadcast.Subscribe(token, func(ctx context.Context, action domain.AdminAction) {
		a.routeAction(ctx, token, action, out.push)
	})
	defer cancelActions()

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()

	monitor := ban.NewMonitor(ban.MonitorConfig{Bans: a.bans})
	go monitor.Run(monitorCtx, func() (domain.User, bool) {
		s, err := a.sessions.Resume(monitorCtx, token)
		if err != nil {
			return domain.User{}, false
		}
		return s.User, s.Impersonating()
	}, func(status ban.Status) {
		out.push(Notification{Event: "ban", Data: banNotice{Banned: status.Banned, Message: status.Message}})
	})

	// The read loop only detects the peer going away; the feed is one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// Closing the outbox first makes the deferred cancels safe: a late
	// monitor tick or broadcast delivery degrades to a dropped push.
	out.close()
	<-writerDone
}

func (a *API) registerFeed(token string, push func(Notification)) {
	a.feedMu.Lock()
	a.feeds[token] = push
	a.feedMu.Unlock()
}

func (a *API) unregisterFeed(token string) {
	a.feedMu.Lock()
	delete(a.feeds, token)
	a.feedMu.Unlock()
}

// applyLocally routes a just-published action through the publisher's own
// session, mirroring what every observer does on delivery. Channel
// self-delivery is suppressed by token, so without this the publishing
// admin would never see their own announcement or award themselves XP.
func (a *API) applyLocally(ctx context.Context, token string, action domain.AdminAction) {
	a.feedMu.RLock()
	push, ok := a.feeds[token]
	a.feedMu.RUnlock()
	if !ok {
		push = func(Notification) {}
	}
	a.routeAction(ctx, token, action, push)
}

// routeAction turns an observed admin action into this session's local
// effect. The identity is re-resolved per action so impersonation changes
// take effect without reconnecting.
func (a *API) routeAction(ctx context.Context, token string, action domain.AdminAction, push func(Notification)) {
	sess, err := a.sessions.Resume(ctx, token)
	if err != nil {
		return
	}
	username := sess.User.Username

	switch action.Type {
	case domain.ActionMessage:
		push(Notification{Event: "announcement", Data: textNotice{Text: action.Text()}})

	case domain.ActionWarn:
		if strings.EqualFold(action.Target(), username) {
			push(Notification{Event: "warning", Data: textNotice{Text: action.Message()}})
		}

	case domain.ActionAwardXP:
		if !strings.EqualFold(action.Target(), username) {
			return
		}
		if err := a.sessions.AwardXP(ctx, token, action.Amount()); err != nil {
			slog.ErrorContext(ctx, "ws: applying xp award failed", "error", err)
			return
		}
		push(Notification{Event: "xp_awarded", Data: xpNotice{Amount: action.Amount()}})

	case domain.ActionSkip:
		if a.quizzes.InQuiz(token) {
			a.quizzes.ForceBypass(token)
			push(Notification{Event: "question_bypassed", Data: nil})
		}

	case domain.ActionAIUpdate:
		push(Notification{Event: "ai_updated", Data: nil})

	case domain.ActionBan, domain.ActionUnban:
		// The ban monitor's next tick reports the transition.
	}
}
