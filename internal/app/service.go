package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quotedesk/api/internal/attachments"
	"quotedesk/api/internal/auth"
	"quotedesk/api/internal/authpw"
	"quotedesk/api/internal/config"
	"quotedesk/api/internal/drafts"
	"quotedesk/api/internal/events"
	"quotedesk/api/internal/export"
	"quotedesk/api/internal/metrics"
	"quotedesk/api/internal/notify"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/ratelimit"
	"quotedesk/api/internal/rbac"
	"quotedesk/api/internal/search"
	"quotedesk/api/internal/store"
	"quotedesk/api/internal/util"
)

// Session is an authenticated dashboard admin.
type Session struct {
	Token        string
	RefreshToken string
	AdminID      string
	Name         string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Caller is whoever performs a thread operation. Admins come from a bearer
// session; customers are identified by the userId the mobile app sends
// alongside its API key.
type Caller struct {
	ID   string
	Name string
	Role quotation.Role
}

func (s Session) Caller() Caller {
	return Caller{ID: s.AdminID, Name: s.Name, Role: quotation.RoleAdmin}
}

type dataStore interface {
	InsertQuotation(context.Context, store.Quotation) error
	GetQuotation(context.Context, string) (store.Quotation, error)
	ListQuotations(context.Context, store.QuotationFilter) ([]store.Quotation, error)
	UpdateQuotationStatus(context.Context, string, quotation.Status) (bool, error)
	QuotationSummary(context.Context) (store.QuotationSummary, error)
	ApplyTransition(context.Context, store.Transition) (bool, error)
	InsertMessageIfOpen(context.Context, store.Message) (store.Message, bool, error)
	GetMessage(context.Context, string, string) (store.Message, error)
	ListMessages(context.Context, string, bool) ([]store.Message, error)
	MarkMessagesRead(context.Context, string, quotation.Role) (int, error)
	UnreadCount(context.Context, string, quotation.Role) (int, error)
	SoftDeleteMessage(context.Context, string, string, string) (bool, error)
	UpsertCustomer(context.Context, store.Customer) error
	UpsertDeviceToken(context.Context, store.DeviceToken) error
	GetAdminByID(context.Context, string) (store.Admin, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.Admin, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAdminRefreshSessions(context.Context, string) (int, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertAPIKey(context.Context, store.APIKey) error
	LookupAPIKey(context.Context, string) (store.APIKey, error)
	TouchAPIKey(context.Context, string) error
	RevokeAPIKey(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshStore keeps refresh sessions. Redis when configured, otherwise the
// Postgres refresh_sessions table.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.Admin, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAdminRefreshSessions(context.Context, string) (int, error)
}

type passwordAuth interface {
	SignIn(context.Context, authpw.SignInRequest) (store.Admin, error)
	ChangePassword(ctx context.Context, adminID, current, next string) error
}

type notifier interface {
	Dispatch(context.Context, notify.Request) notify.Result
}

type searchIndex interface {
	IndexQuotation(search.QuotationRecord)
	IndexMessage(search.MessageRecord)
	DeleteMessage(string)
	Search(search.Query) search.Response
}

type draftStore interface {
	Save(context.Context, drafts.Draft) (drafts.Draft, error)
	Get(context.Context, string) (drafts.Draft, error)
	Delete(context.Context, string) error
}

type fileStore interface {
	PresignUpload(ctx context.Context, quotationID, fileName string) (attachments.Upload, error)
	PresignDownload(ctx context.Context, quotationID, key string) (string, error)
	Stat(ctx context.Context, quotationID, key string) (attachments.Object, error)
}

type exporter interface {
	Export(ctx context.Context, quotationID string) (*export.Result, error)
}

// Deps are the collaborators wired by cmd/api. Only Store is required;
// optional features report themselves unavailable when left nil.
type Deps struct {
	Store       dataStore
	Sessions    refreshStore
	Passwords   passwordAuth
	Notifier    notifier
	Events      events.Publisher
	Search      searchIndex
	Drafts      draftStore
	Limiter     ratelimit.Limiter
	Attachments fileStore
	Exporter    exporter
	Log         *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	passwords passwordAuth
	notifier  notifier
	events    events.Publisher
	search    searchIndex
	drafts    draftStore
	limiter   ratelimit.Limiter
	files     fileStore
	exporter  exporter
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		passwords: deps.Passwords,
		notifier:  deps.Notifier,
		events:    deps.Events,
		search:    deps.Search,
		drafts:    deps.Drafts,
		limiter:   deps.Limiter,
		files:     deps.Attachments,
		exporter:  deps.Exporter,
		log:       deps.Log,
		now:       time.Now,
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if s.notifier == nil {
		s.notifier = silentNotifier{}
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.search == nil {
		s.search = nopSearch{}
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

type silentNotifier struct{}

func (silentNotifier) Dispatch(context.Context, notify.Request) notify.Result {
	return notify.Result{Warnings: []string{}}
}

type nopSearch struct{}

func (nopSearch) IndexQuotation(search.QuotationRecord) {}
func (nopSearch) IndexMessage(search.MessageRecord)     {}
func (nopSearch) DeleteMessage(string)                  {}
func (nopSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func featureUnavailable(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Admin sessions

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.passwords == nil {
		return Session{}, featureUnavailable("AUTH_UNAVAILABLE", "password sign-in is not configured")
	}
	admin, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return Session{}, missingFieldsError("email", "password")
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return Session{}, unauthenticatedError("invalid email or password")
	case errors.Is(err, authpw.ErrInactive):
		return Session{}, unauthenticatedError("account disabled")
	case err != nil:
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	return s.issueSession(ctx, admin)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if s.passwords == nil {
		return featureUnavailable("AUTH_UNAVAILABLE", "password sign-in is not configured")
	}
	err := s.passwords.ChangePassword(ctx, session.AdminID, current, next)
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return missingFieldsError("currentPassword", "newPassword")
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return validationError("current password is incorrect", map[string]any{"field": "currentPassword"})
	case errors.Is(err, authpw.ErrWeakPassword):
		return validationError(err.Error(), map[string]any{"field": "newPassword"})
	case err != nil:
		return fmt.Errorf("change password: %w", err)
	}
	revoked, err := s.sessions.RevokeAdminRefreshSessions(ctx, session.AdminID)
	if err != nil {
		s.log.Warn("revoke refresh sessions after password change", "admin_id", session.AdminID, "error", err)
	}
	s.log.Info("admin password changed", "admin_id", session.AdminID, "revoked_sessions", revoked)
	return nil
}

// Refresh rotates a refresh token. The presented token is revoked before the
// new pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, missingFieldsError("refreshToken")
	}
	tokenHash := auth.HashToken(refreshToken)
	holder, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, unauthenticatedError("refresh token invalid")
	}
	admin, err := s.store.GetAdminByID(ctx, holder.ID)
	if err != nil || !admin.IsActive {
		return Session{}, unauthenticatedError("refresh token invalid")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, fmt.Errorf("rotate refresh session: %w", err)
	}
	return s.issueSession(ctx, admin)
}

func (s *Service) issueSession(ctx context.Context, admin store.Admin) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  admin.ID,
		Name: admin.DisplayName,
		Role: string(rbac.RoleAdmin),
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), admin.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		AdminID:      admin.ID,
		Name:         admin.DisplayName,
		Email:        admin.Email,
		Role:         string(rbac.RoleAdmin),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	admin, err := s.store.GetAdminByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !admin.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		AdminID:   admin.ID,
		Name:      admin.DisplayName,
		Email:     admin.Email,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn("revoke access token", "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("revoke refresh session", "error", err)
		}
	}
	return nil
}

// API keys for the customer app

const defaultKeyRateLimit = 120

type CreateAPIKeyInput struct {
	Name               string     `json:"name" validate:"required,max=120"`
	RateLimitPerMinute int        `json:"rateLimitPerMinute" validate:"gte=0,lte=100000"`
	ExpiresAt          *time.Time `json:"expiresAt"`
}

// APIKeyCreated carries the plaintext key. It is shown once and never stored.
type APIKeyCreated struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Key                string     `json:"key"`
	KeyPrefix          string     `json:"keyPrefix"`
	RateLimitPerMinute int        `json:"rateLimitPerMinute"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
}

func (s *Service) CreateAPIKey(ctx context.Context, session Session, input CreateAPIKeyInput) (APIKeyCreated, error) {
	if strings.TrimSpace(input.Name) == "" {
		return APIKeyCreated{}, missingFieldsError("name")
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(s.now()) {
		return APIKeyCreated{}, validationError("expiresAt must be in the future", map[string]any{"field": "expiresAt"})
	}
	limit := input.RateLimitPerMinute
	if limit == 0 {
		limit = s.cfg.DefaultRateLimitPerMinute
	}
	if limit <= 0 {
		limit = defaultKeyRateLimit
	}

	plain, hash, err := auth.NewAPIKey()
	if err != nil {
		return APIKeyCreated{}, fmt.Errorf("generate api key: %w", err)
	}
	key := store.APIKey{
		ID:                 util.NewID("key"),
		Name:               strings.TrimSpace(input.Name),
		KeyPrefix:          auth.KeyPrefix(plain),
		KeyHash:            hash,
		RateLimitPerMinute: limit,
		CreatedBy:          session.AdminID,
		ExpiresAt:          input.ExpiresAt,
	}
	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		return APIKeyCreated{}, err
	}
	s.log.Info("api key created", "key_id", key.ID, "prefix", key.KeyPrefix, "admin_id", session.AdminID)
	return APIKeyCreated{
		ID:                 key.ID,
		Name:               key.Name,
		Key:                plain,
		KeyPrefix:          key.KeyPrefix,
		RateLimitPerMinute: limit,
		ExpiresAt:          key.ExpiresAt,
	}, nil
}

func (s *Service) RevokeAPIKey(ctx context.Context, id string) error {
	revoked, err := s.store.RevokeAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if !revoked {
		return notFoundError("api key", id)
	}
	return nil
}

// AuthenticateAPIKey resolves the x-api-key header and charges one request
// against the key's per-minute budget. A limiter outage lets the request
// through.
func (s *Service) AuthenticateAPIKey(ctx context.Context, plain string) (store.APIKey, ratelimit.Decision, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return store.APIKey{}, ratelimit.Decision{}, unauthenticatedError("missing api key")
	}
	key, err := s.store.LookupAPIKey(ctx, auth.HashToken(plain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.APIKey{}, ratelimit.Decision{}, unauthenticatedError("invalid api key")
		}
		return store.APIKey{}, ratelimit.Decision{}, fmt.Errorf("lookup api key: %w", err)
	}
	if !key.Active(s.now()) {
		return store.APIKey{}, ratelimit.Decision{}, unauthenticatedError("api key revoked or expired")
	}

	perMinute := key.RateLimitPerMinute
	if perMinute == 0 {
		perMinute = s.cfg.DefaultRateLimitPerMinute
	}
	decision, err := s.limiter.Allow(ctx, "apikey:"+key.ID, perMinute)
	if err != nil {
		s.log.Warn("rate limiter unavailable, allowing request", "key_id", key.ID, "error", err)
		decision = ratelimit.Decision{Allowed: true, Limit: perMinute, Remaining: perMinute}
	}
	if !decision.Allowed {
		metrics.RateLimited.Inc()
		return key, decision, rateLimitedError(decision.Limit, decision.RetryAfter)
	}

	if err := s.store.TouchAPIKey(ctx, key.ID); err != nil {
		s.log.Warn("touch api key", "key_id", key.ID, "error", err)
	}
	return key, decision, nil
}

// Devices

type RegisterDeviceInput struct {
	UserID   string `json:"userId" validate:"required"`
	Token    string `json:"token" validate:"required"`
	Platform string `json:"platform" validate:"omitempty,oneof=ios android web"`
}

func (s *Service) RegisterDevice(ctx context.Context, input RegisterDeviceInput) error {
	var missing []string
	if strings.TrimSpace(input.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(input.Token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return missingFieldsError(missing...)
	}
	return s.store.UpsertDeviceToken(ctx, store.DeviceToken{
		Token:    strings.TrimSpace(input.Token),
		UserID:   strings.TrimSpace(input.UserID),
		Platform: input.Platform,
	})
}
