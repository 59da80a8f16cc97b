// Package fusionsolar implements source.PlantSource against the Huawei
// FusionSolar northbound (thirdData / openapi) interface.
package fusionsolar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/logger"
	"github.com/timmy/powermode/internal/metrics"
	"github.com/timmy/powermode/internal/retry"
	"github.com/timmy/powermode/internal/source"
)

const (
	loginPath       = "/thirdData/login"
	logoutPath      = "/thirdData/logout"
	stationsPath    = "/thirdData/stations"
	controlModePath = "/rest/openapi/pvms/nbi/v1/configuration/active-power-control-mode"

	tokenHeader = "XSRF-TOKEN"

	// Vendor failCodes with special handling
	failCodeRelogin       = 305
	failCodeTooFrequently = 407

	defaultMaxPages = 1000
)

// errSessionExpired triggers one re-login and replay of the request.
var errSessionExpired = errors.New("session expired")

// Client talks to FusionSolar. The session token is owned by the instance.
// A Client is used by one goroutine at a time.
type Client struct {
	http       *resty.Client
	username   string
	systemCode string
	token      string
	pacer      *retry.Pacer
	maxPages   int
}

// Config holds configuration for the FusionSolar client.
type Config struct {
	BaseURL         string
	Username        string
	SystemCode      string
	Timeout         time.Duration
	RequestInterval time.Duration // min gap between control-mode requests
	Clock           retry.Clock
}

var _ source.PlantSource = (*Client)(nil)

// NewClient creates a new FusionSolar client.
// Parameters:
//   - cfg: endpoint, credentials and pacing.
// Returns:
//   - *Client: client that has not logged in yet.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	client.SetTimeout(timeout)

	return &Client{
		http:       client,
		username:   cfg.Username,
		systemCode: cfg.SystemCode,
		pacer:      retry.NewPacer(cfg.Clock, cfg.RequestInterval),
		maxPages:   defaultMaxPages,
	}
}

// RequestInterval returns the minimum gap kept between control-mode requests.
func (c *Client) RequestInterval() time.Duration {
	return c.pacer.Interval()
}

// envelope is the common response wrapper of the northbound API.
type envelope struct {
	Success  bool            `json:"success"`
	FailCode int             `json:"failCode"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
}

type loginRequest struct {
	UserName   string `json:"userName"`
	SystemCode string `json:"systemCode"`
}

type stationsRequest struct {
	PageNo int `json:"pageNo"`
}

type stationsPage struct {
	List []struct {
		PlantCode string `json:"plantCode"`
		PlantName string `json:"plantName"`
	} `json:"list"`
	PageCount int `json:"pageCount"`
	PageNo    int `json:"pageNo"`
	Total     int `json:"total"`
}

type controlModeRequest struct {
	PlantCode string `json:"plantCode"`
}

type controlModeData struct {
	PlantCode                    string          `json:"plantCode"`
	ControlMode                  string          `json:"controlMode"`
	LimitedPowerGridValueParam   json.RawMessage `json:"limitedPowerGridValueParam"`
	LimitedPowerGridPercentParam json.RawMessage `json:"limitedPowerGridPercentParam"`
	ZeroExportLimitationParam    json.RawMessage `json:"zeroExportLimitationParam"`
}

// Authenticate logs in and stores the session token.
func (c *Client) Authenticate(ctx context.Context) error {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{UserName: c.username, SystemCode: c.systemCode}).
		Post(loginPath)
	if err != nil {
		metrics.ObserveRequest("login", "error", time.Since(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.AuthError{Err: err}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		metrics.ObserveRequest("login", "http_error", time.Since(start))
		return &domain.AuthError{StatusCode: resp.StatusCode(), Message: truncate(resp.String())}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		metrics.ObserveRequest("login", "decode_error", time.Since(start))
		return &domain.AuthError{StatusCode: resp.StatusCode(), Err: fmt.Errorf("failed to decode login response: %w", err)}
	}
	if !env.Success {
		metrics.ObserveRequest("login", "rejected", time.Since(start))
		return &domain.AuthError{StatusCode: resp.StatusCode(), FailCode: env.FailCode, Message: env.Message}
	}

	token := resp.Header().Get("xsrf-token")
	if token == "" {
		for _, cookie := range resp.Cookies() {
			if strings.EqualFold(cookie.Name, tokenHeader) {
				token = cookie.Value
				break
			}
		}
	}
	if token == "" {
		metrics.ObserveRequest("login", "rejected", time.Since(start))
		return &domain.AuthError{StatusCode: resp.StatusCode(), Message: "login response carried no xsrf-token"}
	}

	c.token = token
	metrics.ObserveRequest("login", "ok", time.Since(start))
	logger.CtxDebug(ctx, "FusionSolar login succeeded")
	return nil
}

// Logout ends the session. It is a no-op before Authenticate.
func (c *Client) Logout(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetHeader(tokenHeader, c.token).
		SetBody(map[string]string{"xsrfToken": c.token}).
		Post(logoutPath)
	c.token = ""
	if err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// ListPlants fetches every page of the plant list. A listing longer than the
// page cap is an error rather than a truncated result.
func (c *Client) ListPlants(ctx context.Context) ([]domain.Plant, error) {
	var plants []domain.Plant

	for pageNo := 1; ; pageNo++ {
		if pageNo > c.maxPages {
			return nil, &domain.APIError{Op: "list plants", Err: fmt.Errorf("plant list exceeds %d pages", c.maxPages)}
		}
		env, _, err := c.post(ctx, "list plants", stationsPath, stationsRequest{PageNo: pageNo})
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return nil, &domain.APIError{Op: "list plants", FailCode: env.FailCode, Message: env.Message}
		}

		var page stationsPage
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, &domain.APIError{Op: "list plants", Err: fmt.Errorf("failed to decode page %d: %w", pageNo, err)}
		}

		for _, item := range page.List {
			plants = append(plants, domain.Plant{Code: item.PlantCode, Name: item.PlantName})
		}

		logger.With(logger.Fields{"page": pageNo, "page_count": page.PageCount}).
			WithCount(len(page.List)).
			Debug(ctx, "Fetched plant page")

		if len(page.List) == 0 || pageNo >= page.PageCount {
			break
		}
	}

	return domain.SortPlants(plants), nil
}

// GetControlMode queries one plant, waiting for the request interval first.
func (c *Client) GetControlMode(ctx context.Context, plantCode string) (*source.ControlModeResult, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	env, raw, err := c.post(ctx, "get control mode", controlModePath, controlModeRequest{PlantCode: plantCode})
	if err != nil {
		return nil, err
	}

	result := &source.ControlModeResult{
		PlantCode: plantCode,
		FailCode:  env.FailCode,
		Message:   env.Message,
		Raw:       raw,
	}
	if !env.Success {
		return result, nil
	}

	var data controlModeData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, &domain.APIError{Op: "get control mode", Err: fmt.Errorf("failed to decode data: %w", err)}
		}
	}
	if data.PlantCode != "" {
		result.PlantCode = data.PlantCode
	}
	result.Available = true
	result.ControlMode = data.ControlMode
	result.LimitedKWParam = data.LimitedPowerGridValueParam
	result.LimitedPercentParam = data.LimitedPowerGridPercentParam
	result.ZeroExportParam = data.ZeroExportLimitationParam
	return result, nil
}

// post sends an authenticated request, logging in first if needed and
// re-logging in once when the session has expired.
func (c *Client) post(ctx context.Context, op, path string, body interface{}) (*envelope, []byte, error) {
	if c.token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, nil, err
		}
	}

	env, raw, err := c.postOnce(ctx, op, path, body)
	if !errors.Is(err, errSessionExpired) {
		return env, raw, err
	}

	logger.CtxWarn(ctx, "FusionSolar session expired during %s, logging in again", op)
	c.token = ""
	if err := c.Authenticate(ctx); err != nil {
		return nil, nil, err
	}

	env, raw, err = c.postOnce(ctx, op, path, body)
	if errors.Is(err, errSessionExpired) {
		return nil, nil, &domain.AuthError{Message: op + ": session rejected right after login"}
	}
	return env, raw, err
}

func (c *Client) postOnce(ctx context.Context, op, path string, body interface{}) (*envelope, []byte, error) {
	endpoint := strings.ReplaceAll(op, " ", "_")
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(tokenHeader, c.token).
		SetBody(body).
		Post(path)
	if err != nil {
		metrics.ObserveRequest(endpoint, "error", time.Since(start))
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &domain.APIError{Op: op, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized:
		metrics.ObserveRequest(endpoint, "unauthorized", time.Since(start))
		return nil, nil, errSessionExpired
	case status == http.StatusTooManyRequests:
		metrics.ObserveRequest(endpoint, "throttled", time.Since(start))
		return nil, nil, &domain.RateLimitError{Op: op, RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")), Message: truncate(resp.String())}
	case status < 200 || status >= 300:
		metrics.ObserveRequest(endpoint, "http_error", time.Since(start))
		return nil, nil, &domain.APIError{Op: op, StatusCode: status, Message: truncate(resp.String())}
	}

	raw := resp.Body()
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.ObserveRequest(endpoint, "decode_error", time.Since(start))
		return nil, nil, &domain.APIError{Op: op, StatusCode: status, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if !env.Success {
		switch env.FailCode {
		case failCodeRelogin:
			metrics.ObserveRequest(endpoint, "unauthorized", time.Since(start))
			return nil, nil, errSessionExpired
		case failCodeTooFrequently:
			metrics.ObserveRequest(endpoint, "throttled", time.Since(start))
			return nil, nil, &domain.RateLimitError{Op: op, Message: env.Message}
		}
		metrics.ObserveRequest(endpoint, "failed", time.Since(start))
		return &env, raw, nil
	}

	metrics.ObserveRequest(endpoint, "ok", time.Since(start))
	return &env, raw, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
