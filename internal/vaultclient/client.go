// Package vaultclient implements the subset of the Vault HTTP API rconfd
// needs: JWT login, arbitrary-method secret fetch, and token/lease renewal.
package vaultclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	rcerrors "github.com/systmms/rconfd/internal/errors"
)

// SafetyRatio governs how early a token or lease is renewed relative to its
// declared lifetime, per §4/§5 of the design: renew at 75% of TTL elapsed.
const SafetyRatio = 0.75

const defaultLoginPath = "/auth/kubernetes/login"
const defaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	URL        string
	LoginPath  string
	CACertFile string
	Timeout    time.Duration
}

// Session is the client-side view of one Vault authentication, keyed by
// role since a pass may use several roles.
type Session struct {
	Token          string
	TokenTTL       time.Duration
	TokenRenewable bool
	TokenAccessor  string
	AuthDeadline   time.Time
}

// Lease is the bookkeeping Vault attaches to a fetch response that came
// from a leased secret engine.
type Lease struct {
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
	FirstSeenAt   time.Time
}

// RenewDeadline is the point by which this lease must be renewed or
// re-fetched.
func (l Lease) RenewDeadline() time.Time {
	return l.FirstSeenAt.Add(time.Duration(float64(l.LeaseDuration) * SafetyRatio))
}

// FetchResult is what a secret fetch returns: the decoded value (the "data"
// sub-object when present, otherwise the whole response body) and, when the
// response carried lease_id, its lease metadata.
type FetchResult struct {
	Value interface{}
	Lease *Lease
}

// Client is a Vault HTTP client authenticated by JWT, holding one session
// per role.
type Client struct {
	cfg  Config
	jwt  string
	http *http.Client

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Client. jwt is the bearer credential exchanged for a
// Vault token at login (a kubernetes service-account token or a CI/CD
// issued JWT).
func New(cfg Config, jwt string) (*Client, error) {
	if cfg.LoginPath == "" {
		cfg.LoginPath = defaultLoginPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.URL = normalizeVaultURL(cfg.URL)

	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		jwt:      jwt,
		http:     httpClient,
		sessions: make(map[string]*Session),
	}, nil
}

// normalizeVaultURL ensures cfg.URL always carries the /v1 API prefix
// exactly once, the way the original daemon's own default
// (https://localhost:8200/v1) always did. Every request path below is
// then built relative to this normalized base without adding another
// /v1 segment.
func normalizeVaultURL(url string) string {
	url = strings.TrimRight(url, "/")
	if !strings.HasSuffix(url, "/v1") {
		url += "/v1"
	}
	return url
}

func buildHTTPClient(cfg Config) (*http.Client, error) {
	transport := &http.Transport{}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, rcerrors.IoError{Path: cfg.CACertFile, Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, rcerrors.ConfigError{Path: cfg.CACertFile, Message: "no valid certificates found in CA file"}
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{Transport: transport, Timeout: cfg.Timeout}, nil
}

// Login exchanges the client's JWT for a Vault token scoped to role and
// stores the resulting session.
func (c *Client) Login(ctx context.Context, role string) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"jwt": c.jwt, "role": role})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+c.cfg.LoginPath, bytes.NewReader(body))
	if err != nil {
		return nil, rcerrors.AuthFailureError{Role: role, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rcerrors.AuthFailureError{Role: role, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rcerrors.AuthFailureError{Role: role, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rcerrors.AuthFailureError{Role: role, Err: fmt.Errorf("login: status %d: %s", resp.StatusCode, string(respBody))}
	}

	var decoded struct {
		Auth struct {
			ClientToken   string `json:"client_token"`
			Accessor      string `json:"accessor"`
			LeaseDuration int    `json:"lease_duration"`
			Renewable     bool   `json:"renewable"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, rcerrors.AuthFailureError{Role: role, Err: err}
	}
	if decoded.Auth.ClientToken == "" {
		return nil, rcerrors.AuthFailureError{Role: role, Err: fmt.Errorf("login response carried no client_token")}
	}

	ttl := time.Duration(decoded.Auth.LeaseDuration) * time.Second
	session := &Session{
		Token:          decoded.Auth.ClientToken,
		TokenTTL:       ttl,
		TokenRenewable: decoded.Auth.Renewable,
		TokenAccessor:  decoded.Auth.Accessor,
		AuthDeadline:   time.Now().Add(time.Duration(float64(ttl) * SafetyRatio)),
	}

	c.mu.Lock()
	c.sessions[role] = session
	c.mu.Unlock()

	return session, nil
}

// Sessions returns a snapshot of every role's current session, keyed by
// role, for the scheduler's wake_at computation.
func (c *Client) Sessions() map[string]Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Session, len(c.sessions))
	for role, s := range c.sessions {
		out[role] = *s
	}
	return out
}

// EnsureSession returns the current session for role, logging in if none
// exists yet.
func (c *Client) EnsureSession(ctx context.Context, role string) (*Session, error) {
	c.mu.Lock()
	session := c.sessions[role]
	c.mu.Unlock()

	if session != nil {
		return session, nil
	}
	return c.Login(ctx, role)
}

// RenewToken renews the role's session token via /auth/token/renew-self,
// falling back to one re-login attempt on failure.
func (c *Client) RenewToken(ctx context.Context, role string) error {
	c.mu.Lock()
	session := c.sessions[role]
	c.mu.Unlock()
	if session == nil {
		_, err := c.Login(ctx, role)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/auth/token/renew-self", nil)
	if err == nil {
		req.Header.Set("X-Vault-Token", session.Token)
		resp, doErr := c.http.Do(req)
		if doErr == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				respBody, _ := io.ReadAll(resp.Body)
				var decoded struct {
					Auth struct {
						LeaseDuration int  `json:"lease_duration"`
						Renewable     bool `json:"renewable"`
					} `json:"auth"`
				}
				if json.Unmarshal(respBody, &decoded) == nil {
					ttl := time.Duration(decoded.Auth.LeaseDuration) * time.Second
					c.mu.Lock()
					session.TokenTTL = ttl
					session.TokenRenewable = decoded.Auth.Renewable
					session.AuthDeadline = time.Now().Add(time.Duration(float64(ttl) * SafetyRatio))
					c.mu.Unlock()
					return nil
				}
			}
		}
	}

	if _, err := c.Login(ctx, role); err != nil {
		return rcerrors.AuthFailureError{Role: role, Err: err}
	}
	return nil
}

// RenewLease renews a lease via /sys/leases/renew. If Vault reports the
// lease non-renewable or grants a shorter duration than requested, the
// returned Lease reflects Vault's authoritative response.
func (c *Client) RenewLease(ctx context.Context, role string, lease Lease) (Lease, error) {
	session, err := c.EnsureSession(ctx, role)
	if err != nil {
		return Lease{}, err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"lease_id":  lease.LeaseID,
		"increment": int(lease.LeaseDuration.Seconds()),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.URL+"/sys/leases/renew", bytes.NewReader(body))
	if err != nil {
		return Lease{}, rcerrors.BackendFailureError{Backend: "vault", Path: "sys/leases/renew", Err: err}
	}
	req.Header.Set("X-Vault-Token", session.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Lease{}, rcerrors.BackendFailureError{Backend: "vault", Path: "sys/leases/renew", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Lease{}, rcerrors.BackendFailureError{Backend: "vault", Path: "sys/leases/renew", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Lease{}, rcerrors.BackendFailureError{Backend: "vault", Path: "sys/leases/renew", Stderr: string(respBody), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var decoded struct {
		LeaseID       string `json:"lease_id"`
		LeaseDuration int    `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Lease{}, rcerrors.BackendFailureError{Backend: "vault", Path: "sys/leases/renew", Err: err}
	}

	return Lease{
		LeaseID:       decoded.LeaseID,
		LeaseDuration: time.Duration(decoded.LeaseDuration) * time.Second,
		Renewable:     decoded.Renewable,
		FirstSeenAt:   time.Now(),
	}, nil
}

// Fetch performs one Vault secret request. GET encodes only the path; other
// methods send body as a JSON request body.
func (c *Client) Fetch(ctx context.Context, role, method, path string, body map[string]string) (FetchResult, error) {
	session, err := c.EnsureSession(ctx, role)
	if err != nil {
		return FetchResult{}, err
	}

	url := c.cfg.URL + "/" + strings.TrimPrefix(path, "/")

	var reqBody io.Reader
	if method != http.MethodGet && len(body) > 0 {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return FetchResult{}, rcerrors.BackendFailureError{Backend: "vault", Path: path, Err: marshalErr}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return FetchResult{}, rcerrors.BackendFailureError{Backend: "vault", Path: path, Err: err}
	}
	req.Header.Set("X-Vault-Token", session.Token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return FetchResult{}, rcerrors.BackendFailureError{Backend: "vault", Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, rcerrors.BackendFailureError{Backend: "vault", Path: path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return FetchResult{}, rcerrors.BackendFailureError{Backend: "vault", Path: path, Stderr: string(respBody), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var decoded map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return FetchResult{}, rcerrors.BadFormatError{Backend: "vault", Path: path, Err: err}
		}
	}

	result := FetchResult{Value: decoded}
	if data, ok := decoded["data"]; ok {
		result.Value = data
	}

	if leaseID, ok := decoded["lease_id"].(string); ok && leaseID != "" {
		durationSeconds, _ := decoded["lease_duration"].(float64)
		renewable, _ := decoded["renewable"].(bool)
		result.Lease = &Lease{
			LeaseID:       leaseID,
			LeaseDuration: time.Duration(durationSeconds) * time.Second,
			Renewable:     renewable,
			FirstSeenAt:   time.Now(),
		}
	}

	return result, nil
}
