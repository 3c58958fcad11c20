package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"driftpad/api/internal/auth"
	"driftpad/api/internal/config"
	"driftpad/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Ping(ctx context.Context) error
}

// poker wakes a user's subscribed connections after a push lands. Delivery
// is best-effort: a missed poke costs one pull of latency, nothing more.
type poker interface {
	Poke(ctx context.Context, userID string)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	poker  poker
	logger *slog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, poker poker, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		poker:  poker,
		logger: logger,
	}
}

type LoginInput struct {
	Name string `json:"name"`
}

func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Session{}, invalidRequest("name is required")
	}
	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: time.Now().Add(s.cfg.AccessTTL),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
