package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mkaraca/quizgate/internal/ban"
	"github.com/mkaraca/quizgate/internal/broadcast"
	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/quiz"
	"github.com/mkaraca/quizgate/internal/report"
	"github.com/mkaraca/quizgate/internal/session"
	"github.com/mkaraca/quizgate/internal/store"
	"github.com/mkaraca/quizgate/internal/user"
)

type Config struct {
	Router    *gin.Engine
	Store     *store.Store
	Users     *user.Service
	Sessions  *session.Service
	Bans      *ban.Service
	Reports   *report.Service
	Quizzes   *quiz.Manager
	Broadcast *broadcast.Service
}

type API struct {
	store     *store.Store
	users     *user.Service
	sessions  *session.Service
	bans      *ban.Service
	reports   *report.Service
	quizzes   *quiz.Manager
	broadcast *broadcast.Service

	feedMu sync.RWMutex
	feeds  map[string]func(Notification)
}

func New(c Config) *API {
	a := &API{
		store:     c.Store,
		users:     c.Users,
		sessions:  c.Sessions,
		bans:      c.Bans,
		reports:   c.Reports,
		quizzes:   c.Quizzes,
		broadcast: c.Broadcast,
		feeds:     make(map[string]func(Notification)),
	}

	r := c.Router

	auth := r.Group("/api/auth")
	auth.POST("/register", a.register)
	auth.POST("/login", a.login)
	auth.POST("/key", a.keyLogin)

	sess := r.Group("/api/session", a.authRequired)
	sess.GET("", a.whoami)
	sess.POST("/logout", a.logout)
	sess.GET("/stats", a.stats)
	sess.POST("/impersonate", a.impersonate)
	sess.POST("/impersonate/stop", a.stopImpersonation)

	q := r.Group("/api/quiz", a.authRequired)
	q.POST("", a.startQuiz)
	q.GET("", a.quizState)
	q.DELETE("", a.exitQuiz)
	q.POST("/select", a.selectOption)
	q.POST("/confirm", a.confirmAnswer)
	q.POST("/advance", a.advanceQuiz)
	q.POST("/bypass", a.bypassQuestion)

	r.POST("/api/reports", a.authRequired, a.submitReport)
	r.GET("/api/ws", a.authRequired, a.feed)

	admin := r.Group("/api/admin", a.authRequired, a.adminRequired)
	admin.GET("/users", a.listUsers)
	admin.POST("/users", a.createUser)
	admin.PUT("/users/:username", a.updateUser)
	admin.DELETE("/users/:username", a.deleteUser)
	admin.GET("/bans", a.listBans)
	admin.GET("/reports", a.listReports)
	admin.PUT("/reports/:id", a.updateReport)
	admin.GET("/ai-instruction", a.getAIInstruction)
	admin.PUT("/ai-instruction", a.setAIInstruction)
	admin.PUT("/master-key", a.setMasterKey)
	admin.POST("/actions", a.publishAction)

	return a
}

const sessionKey = "api.session"

// authRequired resolves the bearer token into a session and stores it in
// the request context.
func (a *API) authRequired(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing session token")))
		return
	}

	sess, err := a.sessions.Resume(c.Request.Context(), token)
	if err != nil {
		abort(c, err)
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

func (a *API) adminRequired(c *gin.Context) {
	if !currentSession(c).HasAdminRights() {
		abort(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("admin rights required")))
		return
	}
	c.Next()
}

func currentSession(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

// sessionView is the session shape returned to clients; the password never
// leaves the server.
type sessionView struct {
	Token         string      `json:"token"`
	Username      string      `json:"username"`
	Role          domain.Role `json:"role"`
	CanSkip       bool        `json:"canSkip"`
	Impersonating bool        `json:"impersonating"`
	RealAdmin     string      `json:"realAdmin,omitempty"`
}

func viewSession(s *session.Session) sessionView {
	v := sessionView{
		Token:         s.Token,
		Username:      s.User.Username,
		Role:          s.User.Role,
		CanSkip:       s.User.CanSkip,
		Impersonating: s.Impersonating(),
	}
	if s.RealAdmin != nil {
		v.RealAdmin = s.RealAdmin.Username
	}
	return v
}

func (a *API) register(c *gin.Context) {
	var req struct {
		Username    string      `json:"username"`
		Password    string      `json:"password"`
		Role        domain.Role `json:"role"`
		SpecialKey  string      `json:"specialKey"`
		AdminSecret string      `json:"adminSecret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	u, err := a.users.Register(c.Request.Context(), user.RegisterRequest{
		Username:    req.Username,
		Password:    req.Password,
		Role:        req.Role,
		SpecialKey:  req.SpecialKey,
		AdminSecret: req.AdminSecret,
	})
	if err != nil {
		abort(c, err)
		return
	}

	sess, err := a.sessions.Adopt(c.Request.Context(), *u)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewSession(sess))
}

func (a *API) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	sess, err := a.sessions.Login(c.Request.Context(), session.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(sess))
}

func (a *API) keyLogin(c *gin.Context) {
	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	sess, err := a.sessions.KeyLogin(c.Request.Context(), req.Key)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(sess))
}

func (a *API) whoami(c *gin.Context) {
	c.JSON(http.StatusOK, viewSession(currentSession(c)))
}

func (a *API) logout(c *gin.Context) {
	sess := currentSession(c)
	a.quizzes.Exit(sess.Token)
	if err := a.sessions.Logout(c.Request.Context(), sess.Token); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) stats(c *gin.Context) {
	stats, err := a.sessions.Stats(c.Request.Context(), currentSession(c).Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) impersonate(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	sess, err := a.sessions.Impersonate(c.Request.Context(), currentSession(c).Token, req.Username)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(sess))
}

func (a *API) stopImpersonation(c *gin.Context) {
	sess, err := a.sessions.StopImpersonation(c.Request.Context(), currentSession(c).Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(sess))
}

func (a *API) startQuiz(c *gin.Context) {
	var req struct {
		Subject    domain.Subject `json:"subject"`
		Topic      string         `json:"topic"`
		Level      domain.Level   `json:"level"`
		RandomSeed string         `json:"randomSeed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	sess := currentSession(c)
	status, err := a.bans.Evaluate(c.Request.Context(), sess.User, sess.Impersonating())
	if err != nil {
		abort(c, err)
		return
	}
	if status.Banned {
		abort(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("%s", status.Message)))
		return
	}

	snap, err := a.quizzes.Start(c.Request.Context(), quiz.StartRequest{
		Token: sess.Token,
		Settings: domain.QuizSettings{
			Subject:    req.Subject,
			Topic:      req.Topic,
			Level:      req.Level,
			RandomSeed: req.RandomSeed,
		},
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (a *API) quizState(c *gin.Context) {
	snap, err := a.quizzes.State(currentSession(c).Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) exitQuiz(c *gin.Context) {
	a.quizzes.Exit(currentSession(c).Token)
	c.Status(http.StatusNoContent)
}

func (a *API) selectOption(c *gin.Context) {
	var req struct {
		Index  int    `json:"index"`
		Option string `json:"option"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	snap, err := a.quizzes.Select(currentSession(c).Token, req.Index, req.Option)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) confirmAnswer(c *gin.Context) {
	snap, err := a.quizzes.Confirm(currentSession(c).Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) advanceQuiz(c *gin.Context) {
	snap, err := a.quizzes.Advance(currentSession(c).Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) bypassQuestion(c *gin.Context) {
	snap, err := a.quizzes.Bypass(c.Request.Context(), currentSession(c).Token)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) submitReport(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	r, err := a.reports.Submit(c.Request.Context(), report.SubmitRequest{
		Sender:  currentSession(c).User.Username,
		Message: req.Message,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (a *API) listUsers(c *gin.Context) {
	users, err := a.users.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (a *API) createUser(c *gin.Context) {
	var req struct {
		Username   string      `json:"username"`
		Password   string      `json:"password"`
		Role       domain.Role `json:"role"`
		SpecialKey string      `json:"specialKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	u, err := a.users.Create(c.Request.Context(), user.CreateRequest{
		Username:   req.Username,
		Password:   req.Password,
		Role:       req.Role,
		SpecialKey: req.SpecialKey,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (a *API) updateUser(c *gin.Context) {
	var req struct {
		Username string      `json:"username"`
		Password string      `json:"password"`
		Role     domain.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	updated, err := a.users.Update(c.Request.Context(), user.UpdateRequest{
		OldUsername: c.Param("username"),
		Username:    req.Username,
		Password:    req.Password,
		Role:        req.Role,
	})
	if err != nil {
		abort(c, err)
		return
	}

	// Admins renaming their own account keep their session in sync.
	sess := currentSession(c)
	if strings.EqualFold(sess.User.Username, c.Param("username")) {
		if err := a.sessions.ApplyRename(c.Request.Context(), sess.Token, *updated); err != nil {
			abort(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, updated)
}

func (a *API) deleteUser(c *gin.Context) {
	if err := a.users.Delete(c.Request.Context(), currentSession(c).User, c.Param("username")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) listBans(c *gin.Context) {
	bans, err := a.bans.Table(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, bans)
}

func (a *API) listReports(c *gin.Context) {
	reports, err := a.reports.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (a *API) updateReport(c *gin.Context) {
	var req struct {
		Status domain.ReportStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	r, err := a.reports.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) getAIInstruction(c *gin.Context) {
	instruction, err := a.store.AIInstruction(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruction": instruction})
}

func (a *API) setAIInstruction(c *gin.Context) {
	var req struct {
		Instruction string `json:"instruction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}
	if err := a.store.SetAIInstruction(c.Request.Context(), req.Instruction); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) setMasterKey(c *gin.Context) {
	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(strings.TrimSpace(req.Key)) < 4 {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("master key must be at least 4 characters")))
		return
	}
	if err := a.store.SetMasterKey(c.Request.Context(), strings.TrimSpace(req.Key)); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// publishAction broadcasts an admin action. Side effects on shared state
// (the ban table) are applied here by the publisher; transient effects
// (skip, award, warn, message) reach the live sessions observing the
// channel, plus the publisher's own session via applyLocally since the
// channel never delivers back to its publisher.
func (a *API) publishAction(c *gin.Context) {
	var req struct {
		Type    domain.ActionType `json:"type"`
		Payload map[string]any    `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body")))
		return
	}

	sess := currentSession(c)
	action := domain.AdminAction{Type: req.Type, Payload: req.Payload}

	ctx := c.Request.Context()
	switch req.Type {
	case domain.ActionBan:
		if _, err := a.bans.Ban(ctx, ban.BanRequest{
			Actor:           sess.User,
			Target:          action.Target(),
			DurationMinutes: action.DurationMinutes(),
		}); err != nil {
			abort(c, err)
			return
		}
	case domain.ActionUnban:
		if err := a.bans.Unban(ctx, action.Target()); err != nil {
			abort(c, err)
			return
		}
	case domain.ActionSkip, domain.ActionMessage, domain.ActionAwardXP, domain.ActionWarn, domain.ActionAIUpdate:
	default:
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown action type %q", req.Type)))
		return
	}

	if err := a.broadcast.Publish(ctx, action, sess.Token); err != nil {
		abort(c, err)
		return
	}
	a.applyLocally(ctx, sess.Token, action)
	c.Status(http.StatusAccepted)
}
