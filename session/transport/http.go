package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/distribution-auth/sessionkeeper/session"
)

// Endpoints relative to the API base URL.
const (
	LoginPath   = "auth/login"
	RefreshPath = "auth/refresh"
	LogoutPath  = "auth/logout"
)

// refreshRequest is the body of a refresh call.
// RefreshToken is kept for older servers: the canonical refresh token travels in an HttpOnly cookie.
type refreshRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// HTTP implements session.RefreshTransport and session.LogoutTransport against the API server.
// It never retries.
type HTTP struct {
	baseURL *url.URL
	client  *http.Client
	csrf    session.AntiForgeryTokenSource

	logger *zap.Logger
}

// NewHTTP returns a new HTTP transport. csrf may be nil.
func NewHTTP(baseURL string, client *http.Client, csrf session.AntiForgeryTokenSource, logger *zap.Logger) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTP{
		baseURL: u,
		client:  client,
		csrf:    csrf,
		logger:  logger,
	}, nil
}

// Exchange implements session.RefreshTransport.
func (t *HTTP) Exchange(ctx context.Context, credential *session.Credential) (session.Credential, error) {
	var body refreshRequest
	if credential != nil {
		body.Token = credential.Token
		body.RefreshToken = credential.RefreshToken
	}

	statusCode, data, err := t.post(ctx, RefreshPath, body)
	if err != nil {
		return session.Credential{}, err
	}

	if statusCode < 200 || statusCode > 299 {
		return session.Credential{}, session.NewResponseError(statusCode, data)
	}

	var refreshed session.Credential

	if err := json.Unmarshal(data, &refreshed); err != nil {
		return session.Credential{}, fmt.Errorf("decoding refresh response: %w", err)
	}

	t.logger.Debug("credential exchanged")

	return refreshed, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login signs in with a username and password and returns the issued Credential.
// The server sets the refresh and anti-forgery cookies on the shared client.
func (t *HTTP) Login(ctx context.Context, username string, password string) (session.Credential, error) {
	statusCode, data, err := t.post(ctx, LoginPath, loginRequest{Username: username, Password: password})
	if err != nil {
		return session.Credential{}, err
	}

	if statusCode < 200 || statusCode > 299 {
		return session.Credential{}, session.NewResponseError(statusCode, data)
	}

	var credential session.Credential

	if err := json.Unmarshal(data, &credential); err != nil {
		return session.Credential{}, fmt.Errorf("decoding login response: %w", err)
	}

	return credential, nil
}

// Logout implements session.LogoutTransport.
func (t *HTTP) Logout(ctx context.Context) error {
	statusCode, data, err := t.post(ctx, LogoutPath, nil)
	if err != nil {
		return err
	}

	if statusCode < 200 || statusCode > 299 {
		return session.NewResponseError(statusCode, data)
	}

	return nil
}

func (t *HTTP) post(ctx context.Context, path string, body any) (int, []byte, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if t.csrf != nil {
		if token, ok := t.csrf.AntiForgeryToken(); ok {
			req.Header.Set(session.AntiForgeryHeader, token)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, &session.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &session.NetworkError{Err: err}
	}

	return resp.StatusCode, data, nil
}
