package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"starchat/internal/storage"
	"starchat/internal/telegram"
)

const (
	MockInitData = "mock_init_data_for_development"
	MockUserID   = "123456789"
	MockUsername = "testuser"
)

var (
	ErrMissingInitData  = errors.New("init data is required")
	ErrInvalidInitData  = errors.New("invalid init data")
	ErrBotNotConfigured = errors.New("bot token is not configured")
)

type UserStore interface {
	UpsertUser(ctx context.Context, id, username string, dailyLimit int64, now time.Time) (storage.User, error)
}

type LoginConfig struct {
	Users           UserStore
	Issuer          *Issuer
	BotToken        string
	AllowMockAuth   bool
	FreeDailyTokens int64
	InitDataMaxAge  time.Duration
	Logger          zerolog.Logger
	Now             func() time.Time
}

type LoginService struct {
	cfg LoginConfig
}

func NewLoginService(cfg LoginConfig) *LoginService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InitDataMaxAge <= 0 {
		cfg.InitDataMaxAge = 300 * time.Second
	}
	return &LoginService{cfg: cfg}
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      storage.User
}

// Login verifies WebApp init data, creates or refreshes the user and issues a
// session token.
func (s *LoginService) Login(ctx context.Context, initData string) (LoginResult, error) {
	initData = strings.TrimSpace(initData)
	if initData == "" {
		return LoginResult{}, ErrMissingInitData
	}

	id, username, err := s.identify(initData)
	if err != nil {
		return LoginResult{}, err
	}

	now := s.cfg.Now()
	user, err := s.cfg.Users.UpsertUser(ctx, id, username, s.cfg.FreeDailyTokens, now)
	if err != nil {
		return LoginResult{}, fmt.Errorf("upsert user: %w", err)
	}

	token, exp, err := s.cfg.Issuer.Issue(user.ID, user.Username)
	if err != nil {
		return LoginResult{}, err
	}
	s.cfg.Logger.Debug().Str("user_id", user.ID).Time("expires_at", exp).Msg("session issued")
	return LoginResult{Token: token, ExpiresAt: exp, User: user}, nil
}

func (s *LoginService) identify(initData string) (id, username string, err error) {
	if initData == MockInitData {
		if !s.cfg.AllowMockAuth {
			return "", "", ErrInvalidInitData
		}
		s.cfg.Logger.Warn().Msg("mock authentication used")
		return MockUserID, MockUsername, nil
	}
	if s.cfg.BotToken == "" {
		return "", "", ErrBotNotConfigured
	}

	data, err := telegram.ValidateInitData(initData, s.cfg.BotToken, s.cfg.Now(), s.cfg.InitDataMaxAge)
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Msg("init data rejected")
		return "", "", fmt.Errorf("%w: %w", ErrInvalidInitData, err)
	}
	if data.User == nil || data.User.ID == 0 {
		return "", "", fmt.Errorf("%w: user is missing", ErrInvalidInitData)
	}
	return strconv.FormatInt(data.User.ID, 10), data.User.Username, nil
}
