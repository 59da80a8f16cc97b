package fusionsolar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/retry"
)

// fakeVendor is a scripted FusionSolar endpoint.
type fakeVendor struct {
	mu sync.Mutex

	logins       int
	loginBody    string
	loginHeader  bool
	pages        [][]map[string]string
	controlMode  func(call int, plantCode string, w http.ResponseWriter)
	controlCalls int
	tokens       []string
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		loginBody:   `{"success":true,"failCode":0,"data":null}`,
		loginHeader: true,
	}
}

func (f *fakeVendor) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logins++
		n := f.logins
		f.mu.Unlock()

		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "api-user", req.UserName)

		if f.loginHeader {
			w.Header().Set("xsrf-token", "token-"+string(rune('0'+n)))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.loginBody))
	})
	mux.HandleFunc(stationsPath, func(w http.ResponseWriter, r *http.Request) {
		f.recordToken(r)
		var req stationsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		page := map[string]interface{}{
			"pageNo":    req.PageNo,
			"pageCount": len(f.pages),
			"total":     0,
			"list":      []map[string]string{},
		}
		if req.PageNo >= 1 && req.PageNo <= len(f.pages) {
			page["list"] = f.pages[req.PageNo-1]
		}
		writeJSON(w, map[string]interface{}{"success": true, "failCode": 0, "data": page})
	})
	mux.HandleFunc(controlModePath, func(w http.ResponseWriter, r *http.Request) {
		f.recordToken(r)
		var req controlModeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.controlCalls++
		call := f.controlCalls
		f.mu.Unlock()

		f.controlMode(call, req.PlantCode, w)
	})
	return mux
}

func (f *fakeVendor) recordToken(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, r.Header.Get(tokenHeader))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, vendor *fakeVendor, clock retry.Clock, interval time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(vendor.handler(t))
	t.Cleanup(srv.Close)

	return NewClient(&Config{
		BaseURL:         srv.URL,
		Username:        "api-user",
		SystemCode:      "secret",
		Timeout:         5 * time.Second,
		RequestInterval: interval,
		Clock:           clock,
	})
}

func TestAuthenticate(t *testing.T) {
	vendor := newFakeVendor()
	client := newTestClient(t, vendor, nil, 0)

	require.NoError(t, client.Authenticate(context.Background()))
	assert.Equal(t, "token-1", client.token)
}

func TestAuthenticateRejected(t *testing.T) {
	vendor := newFakeVendor()
	vendor.loginBody = `{"success":false,"failCode":20001,"message":"USERNAME_OR_PASSWORD_ERROR"}`
	client := newTestClient(t, vendor, nil, 0)

	err := client.Authenticate(context.Background())
	require.Error(t, err)

	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 20001, authErr.FailCode)
	assert.Contains(t, err.Error(), "USERNAME_OR_PASSWORD_ERROR")
}

func TestAuthenticateMissingToken(t *testing.T) {
	vendor := newFakeVendor()
	vendor.loginHeader = false
	client := newTestClient(t, vendor, nil, 0)

	err := client.Authenticate(context.Background())
	assert.True(t, domain.IsAuth(err), "expected AuthError, got %v", err)
}

func TestAuthenticateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(&Config{BaseURL: srv.URL, Username: "api-user", SystemCode: "x"})
	err := client.Authenticate(context.Background())

	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %v", err)
	assert.Equal(t, http.StatusBadGateway, authErr.StatusCode)
}

func TestListPlantsPaginatesAndSorts(t *testing.T) {
	vendor := newFakeVendor()
	vendor.pages = [][]map[string]string{
		{{"plantCode": "NE=300", "plantName": "Gamma"}, {"plantCode": "NE=100", "plantName": "Alpha"}},
		{{"plantCode": "NE=200", "plantName": "Beta"}, {"plantCode": "NE=100", "plantName": "Alpha dup"}},
	}
	client := newTestClient(t, vendor, nil, 0)

	plants, err := client.ListPlants(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []domain.Plant{
		{Code: "NE=100", Name: "Alpha"},
		{Code: "NE=200", Name: "Beta"},
		{Code: "NE=300", Name: "Gamma"},
	}, plants)

	// logs in lazily, then sends the token on every page
	assert.Equal(t, 1, vendor.logins)
	assert.Equal(t, []string{"token-1", "token-1"}, vendor.tokens)
}

func TestListPlantsFailsWhenPageCapIsExceeded(t *testing.T) {
	vendor := newFakeVendor()
	vendor.pages = [][]map[string]string{
		{{"plantCode": "NE=1", "plantName": "One"}},
		{{"plantCode": "NE=2", "plantName": "Two"}},
		{{"plantCode": "NE=3", "plantName": "Three"}},
	}
	client := newTestClient(t, vendor, nil, 0)
	client.maxPages = 2

	plants, err := client.ListPlants(context.Background())
	require.Error(t, err)
	assert.Nil(t, plants)

	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, "list plants", apiErr.Op)
	assert.Len(t, vendor.tokens, 2, "no page past the cap is requested")
}

func TestListPlantsStopsAtLastPageWithinCap(t *testing.T) {
	vendor := newFakeVendor()
	vendor.pages = [][]map[string]string{
		{{"plantCode": "NE=1", "plantName": "One"}},
		{{"plantCode": "NE=2", "plantName": "Two"}},
	}
	client := newTestClient(t, vendor, nil, 0)
	client.maxPages = 2

	plants, err := client.ListPlants(context.Background())
	require.NoError(t, err)
	assert.Len(t, plants, 2)
}

func TestGetControlModeSuccess(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(_ int, plantCode string, w http.ResponseWriter) {
		writeJSON(w, map[string]interface{}{
			"success":  true,
			"failCode": 0,
			"data": map[string]interface{}{
				"plantCode":                  plantCode,
				"controlMode":                domain.ControlModeLimitedKW,
				"limitedPowerGridValueParam": map[string]interface{}{"value": 50},
			},
		})
	}
	client := newTestClient(t, vendor, nil, 0)

	result, err := client.GetControlMode(context.Background(), "NE=100")
	require.NoError(t, err)

	assert.True(t, result.Available)
	assert.Equal(t, "NE=100", result.PlantCode)
	assert.Equal(t, domain.ControlModeLimitedKW, result.ControlMode)
	assert.JSONEq(t, `{"value":50}`, string(result.LimitedKWParam))
	assert.Empty(t, result.LimitedPercentParam)
	assert.NotEmpty(t, result.Raw)
}

func TestGetControlModeUsesRequestedCodeWhenDataOmitsIt(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(_ int, _ string, w http.ResponseWriter) {
		writeJSON(w, map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"controlMode": domain.ControlModeNoLimit},
		})
	}
	client := newTestClient(t, vendor, nil, 0)

	result, err := client.GetControlMode(context.Background(), "NE=777")
	require.NoError(t, err)
	assert.Equal(t, "NE=777", result.PlantCode)
	assert.Equal(t, domain.ControlModeNoLimit, result.ControlMode)
}

func TestGetControlModeNotAvailable(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(_ int, _ string, w http.ResponseWriter) {
		writeJSON(w, map[string]interface{}{"success": false, "failCode": 20010, "message": "no device"})
	}
	client := newTestClient(t, vendor, nil, 0)

	result, err := client.GetControlMode(context.Background(), "NE=100")
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.Equal(t, 20010, result.FailCode)
	assert.Equal(t, "no device", result.Message)
}

func TestGetControlModeThrottled(t *testing.T) {
	t.Run("fail code", func(t *testing.T) {
		vendor := newFakeVendor()
		vendor.controlMode = func(_ int, _ string, w http.ResponseWriter) {
			writeJSON(w, map[string]interface{}{"success": false, "failCode": failCodeTooFrequently, "message": "ACCESS_FREQUENCY_IS_TOO_HIGH"})
		}
		client := newTestClient(t, vendor, nil, 0)

		_, err := client.GetControlMode(context.Background(), "NE=100")
		assert.True(t, domain.IsRateLimited(err), "expected RateLimitError, got %v", err)
	})

	t.Run("http 429 with retry-after", func(t *testing.T) {
		vendor := newFakeVendor()
		vendor.controlMode = func(_ int, _ string, w http.ResponseWriter) {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		}
		client := newTestClient(t, vendor, nil, 0)

		_, err := client.GetControlMode(context.Background(), "NE=100")
		var rl *domain.RateLimitError
		require.True(t, errors.As(err, &rl), "expected RateLimitError, got %v", err)
		assert.Equal(t, 30*time.Second, rl.RetryAfter)
	})
}

func TestGetControlModeServerError(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(_ int, _ string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	client := newTestClient(t, vendor, nil, 0)

	_, err := client.GetControlMode(context.Background(), "NE=100")
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.False(t, domain.IsAuth(err))
}

func TestGetControlModeReauthenticatesOnExpiredSession(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(call int, _ string, w http.ResponseWriter) {
		if call == 1 {
			writeJSON(w, map[string]interface{}{"success": false, "failCode": failCodeRelogin, "message": "USER_MUST_RELOGIN"})
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{"controlMode": domain.ControlModeNoLimit}})
	}
	client := newTestClient(t, vendor, nil, 0)

	result, err := client.GetControlMode(context.Background(), "NE=100")
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.Equal(t, 2, vendor.logins)
	assert.Equal(t, []string{"token-1", "token-2"}, vendor.tokens)
}

func TestGetControlModeReauthOnHTTP401(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(call int, _ string, w http.ResponseWriter) {
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{"controlMode": domain.ControlModeNoLimit}})
	}
	client := newTestClient(t, vendor, nil, 0)

	_, err := client.GetControlMode(context.Background(), "NE=100")
	require.NoError(t, err)
	assert.Equal(t, 2, vendor.logins)
}

func TestGetControlModePacesRequests(t *testing.T) {
	vendor := newFakeVendor()
	vendor.controlMode = func(_ int, _ string, w http.ResponseWriter) {
		writeJSON(w, map[string]interface{}{"success": true, "data": map[string]interface{}{"controlMode": domain.ControlModeNoLimit}})
	}
	clock := retry.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	client := newTestClient(t, vendor, clock, time.Minute)

	ctx := context.Background()
	for _, code := range []string{"NE=1", "NE=2", "NE=3"} {
		_, err := client.GetControlMode(ctx, code)
		require.NoError(t, err)
	}

	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, clock.Sleeps())
	assert.Equal(t, time.Minute, client.RequestInterval())
}

func TestLogout(t *testing.T) {
	var logoutCalls int
	vendor := newFakeVendor()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == logoutPath {
			logoutCalls++
			assert.Equal(t, "token-1", r.Header.Get(tokenHeader))
			writeJSON(w, map[string]interface{}{"success": true})
			return
		}
		vendor.handler(t).ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := NewClient(&Config{BaseURL: srv.URL, Username: "api-user", SystemCode: "x"})
	ctx := context.Background()

	require.NoError(t, client.Logout(ctx))
	assert.Equal(t, 0, logoutCalls)

	require.NoError(t, client.Authenticate(ctx))
	require.NoError(t, client.Logout(ctx))
	assert.Equal(t, 1, logoutCalls)
	assert.Empty(t, client.token)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 10*time.Second, parseRetryAfter("10"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
