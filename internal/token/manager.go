package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/metrics"
)

const defaultTokenTTL = time.Hour

type Config struct {
	AuthURL       string
	Username      string
	Password      string
	Timeout       time.Duration // renewal POST budget
	RenewalWindow time.Duration // renew this long before expiry
}

// Manager caches one bearer credential and renews it proactively. The
// mutex is held across the renewal POST so concurrent callers observe a
// single in-flight request.
type Manager struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu     sync.Mutex
	cached string
	expiry time.Time

	now func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RenewalWindow <= 0 {
		cfg.RenewalWindow = 5 * time.Minute
	}
	return &Manager{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.Component("token"),
		now:    time.Now,
	}
}

// Token returns the cached credential while it is live and outside the
// renewal window, renewing otherwise.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != "" && m.now().Before(m.expiry.Add(-m.cfg.RenewalWindow)) {
		return m.cached, nil
	}
	return m.renewLocked(ctx)
}

// InvalidateAndRenew drops the cache and fetches a fresh credential. Called
// when the provider answers 401 despite a token we considered live.
func (m *Manager) InvalidateAndRenew(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cached = ""
	m.expiry = time.Time{}
	return m.renewLocked(ctx)
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (m *Manager) renewLocked(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": m.cfg.Username,
		"password": m.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.RecordTokenRenewal("failure")
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordTokenRenewal("failure")
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordTokenRenewal("failure")
		return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var parsed authResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		metrics.RecordTokenRenewal("failure")
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.AccessToken == "" {
		metrics.RecordTokenRenewal("failure")
		return "", fmt.Errorf("auth response missing access_token")
	}

	m.cached = parsed.AccessToken
	m.expiry = m.tokenExpiry(parsed)
	metrics.RecordTokenRenewal("success")

	m.log.Info().
		Str("token", Mask(parsed.AccessToken)).
		Time("expiry", m.expiry).
		Msg("bearer token renewed")

	return m.cached, nil
}

// tokenExpiry pulls the exp claim out of the credential itself; falls back
// to expires_in, then to a fixed TTL for opaque tokens.
func (m *Manager) tokenExpiry(resp authResponse) time.Time {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, &claims)
	if err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}

	if resp.ExpiresIn > 0 {
		return m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return m.now().Add(defaultTokenTTL)
}

// Mask keeps the first 6 and last 4 characters of a credential for logs.
func Mask(tok string) string {
	if len(tok) <= 12 {
		return "***"
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}
