// Package client is a typed HTTP client for the craftd admin API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Client provides HTTP client functionality to communicate with the craftd daemon
type Client struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig

	// Token is sent as a bearer token. Username and Password are used for
	// basic auth when no token is set.
	Token    string
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: HTTP %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("API error: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a client. It fails only when TLS material cannot be loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(*config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:  config.BaseURL,
		timeout:  config.Timeout,
		logger:   config.Logger,
		token:    config.Token,
		username: config.Username,
		password: config.Password,
		client:   &http.Client{Transport: transport},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
	return st, err
}

// Start requests a new instance. A positive wait blocks up to that long for
// the workflow to finish.
func (c *Client) Start(ctx context.Context, wait time.Duration) (WorkflowResult, error) {
	return c.workflow(ctx, "/start", wait)
}

// Stop tears the instance down. A positive wait blocks like Start.
func (c *Client) Stop(ctx context.Context, wait time.Duration) (WorkflowResult, error) {
	return c.workflow(ctx, "/stop", wait)
}

func (c *Client) workflow(ctx context.Context, path string, wait time.Duration) (WorkflowResult, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait+c.timeout)
		defer cancel()
	}
	var res WorkflowResult
	err := c.do(ctx, http.MethodPost, path, q, nil, &res)
	return res, err
}

// ForceStatus overrides the state. The returned warning is set when the
// override applied but the address could not be adopted.
func (c *Client) ForceStatus(ctx context.Context, state string) (string, error) {
	var res okResponse
	err := c.do(ctx, http.MethodPost, "/force-status", nil, map[string]string{"state": state}, &res)
	return res.Warning, err
}

func (c *Client) SetInstanceID(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/instance-id", nil, map[string]string{"instance_id": id}, &st)
	return st, err
}

// RunInitialization re-runs the init script and waits for it.
func (c *Client) RunInitialization(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/init", nil, nil, &st)
	return st, err
}

func (c *Client) Console(ctx context.Context, command string) (string, error) {
	var res struct {
		Output string `json:"output"`
	}
	err := c.do(ctx, http.MethodPost, "/console", nil, map[string]string{"command": command}, &res)
	return res.Output, err
}

func (c *Client) Exec(ctx context.Context, command string) (CommandResult, error) {
	var res CommandResult
	err := c.do(ctx, http.MethodPost, "/exec", nil, map[string]string{"command": command}, &res)
	return res, err
}

func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var b Balance
	err := c.do(ctx, http.MethodGet, "/balance", nil, nil, &b)
	return b, err
}

// Login exchanges credentials for a token and uses it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	var res loginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/login", nil, body, &res); err != nil {
		return nil, err
	}
	if res.Token == nil {
		return nil, errors.New("login response carries no token")
	}
	c.token = res.Token.Value
	return res.Token, nil
}

func setupClientTLS(cfg TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 SkipVerify is an explicit opt-in for self-signed daemons
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify,
		ServerName:         cfg.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CACert != "" {
		if err := loadCACert(tlsConfig, cfg.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(filepath.Clean(caCertPath))
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends a JSON request and decodes a 2xx body into out when out is set.
// Without a ctx deadline the configured timeout applies.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er); err == nil {
		apiErr.Code = er.Error
		apiErr.Message = er.Message
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Code)
	return apiErr
}
