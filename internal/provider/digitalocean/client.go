package digitalocean

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/provider"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public DigitalOcean API endpoint.
const DefaultBaseURL = "https://api.digitalocean.com/v2"

const (
	defaultTimeout        = 15 * time.Second
	defaultRateLimit      = 5
	defaultRateLimitBurst = 10
	maxErrorBody          = 4096
)

// Options configures the DigitalOcean client.
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	RateLimit      rate.Limit
	RateLimitBurst int
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client talks to the droplet endpoints of the DigitalOcean API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var (
	_ provider.Provider      = (*Client)(nil)
	_ provider.BalanceReader = (*Client)(nil)
)

// New creates a client. Zero-valued options fall back to defaults.
func New(opts Options) *Client {
	opts = normalizeOptions(opts)
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
		logger:  opts.Logger,
	}
}

func normalizeOptions(opts Options) Options {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// CreateInstance creates a droplet and returns its ID.
func (c *Client) CreateInstance(ctx context.Context, req provider.CreateRequest) (string, error) {
	body := createDropletRequest{
		Name:       req.Name,
		Region:     req.Region,
		Size:       req.Size,
		Image:      req.Image,
		SSHKeys:    req.SSHKeys,
		Volumes:    req.Volumes,
		Tags:       req.Tags,
		Monitoring: req.Monitoring,
		Backups:    req.Backups,
	}
	c.logger.Info("creating droplet", "name", body.Name, "region", body.Region, "size", body.Size, "image", body.Image)

	var res dropletResponse
	if err := c.do(ctx, "create", http.MethodPost, "/droplets", body, &res, http.StatusOK, http.StatusAccepted); err != nil {
		return "", err
	}
	id := strconv.FormatInt(res.Droplet.ID, 10)
	c.logger.Info("droplet created", "instance_id", id)
	return id, nil
}

// GetInstance fetches the current droplet state.
func (c *Client) GetInstance(ctx context.Context, id string) (provider.Instance, error) {
	if err := validateID(id); err != nil {
		return provider.Instance{}, err
	}
	var res dropletResponse
	if err := c.do(ctx, "get", http.MethodGet, "/droplets/"+id, nil, &res, http.StatusOK); err != nil {
		return provider.Instance{}, err
	}
	return res.Droplet.toInstance(), nil
}

// DeleteInstance destroys a droplet.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	c.logger.Info("deleting droplet", "instance_id", id)
	return c.do(ctx, "delete", http.MethodDelete, "/droplets/"+id, nil, nil, http.StatusNoContent)
}

// AccountBalance returns the billing summary of the account.
func (c *Client) AccountBalance(ctx context.Context) (provider.Balance, error) {
	var b provider.Balance
	if err := c.do(ctx, "balance", http.MethodGet, "/customers/my/balance", nil, &b, http.StatusOK); err != nil {
		return provider.Balance{}, err
	}
	return b, nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("droplet id is empty")
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("invalid droplet id %q: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, okCodes ...int) (err error) {
	defer func() { metrics.IncProviderRequest(op, err == nil) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider %s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provider %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("provider %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !containsCode(okCodes, resp.StatusCode) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &provider.APIError{Op: op, StatusCode: resp.StatusCode}
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		c.logger.Error("provider request failed", "op", op, "status", resp.StatusCode, "message", apiErr.Message)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider %s: decode response: %w", op, err)
	}
	return nil
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
