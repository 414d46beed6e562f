package discordbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testAdminPassword = "correct horse"

var testAdminHash = sync.OnceValue(
	func() string {
		hash, err := hashPassword(testAdminPassword)
		if err != nil {
			panic(err)
		}
		return hash
	},
)

func newTestAPI(t *testing.T) *testBot {
	t.Helper()
	tb := newTestBot(
		t, func(cfg *Config) {
			cfg.API.Enabled = true
			cfg.API.Secret = "test-secret"
			cfg.API.AdminUsername = "admin"
			cfg.API.AdminPasswordHash = testAdminHash()
		},
	)
	require.NotNil(t, tb.api)
	tb.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	return tb
}

type apiClient struct {
	t       *testing.T
	api     *API
	cookies []*http.Cookie
}

func (c *apiClient) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	c.api.engine.ServeHTTP(w, req)
	if set := w.Result().Cookies(); len(set) > 0 {
		c.cookies = set
	}
	return w
}

func (c *apiClient) login(username, password string) *httptest.ResponseRecorder {
	body, err := json.Marshal(userLogin{Username: username, Password: password})
	require.NoError(c.t, err)
	return c.do(http.MethodPost, apiPathLogin, string(body))
}

func TestAPI_HealthCheck(t *testing.T) {
	tb := newTestAPI(t)
	tb.discord.connected.Store(true)
	client := &apiClient{t: t, api: tb.api}

	w := client.do(http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DiscordConnected)
	assert.Empty(t, resp.Uptime, "bot has not started")
}

func TestAPI_Unauthorized(t *testing.T) {
	tb := newTestAPI(t)
	client := &apiClient{t: t, api: tb.api}

	for _, path := range []string{apiPathLoggedIn, apiPathConfig, apiPathRequests} {
		w := client.do(http.MethodGet, apiPrefix+path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := client.do(http.MethodPost, apiPrefix+apiPathQuit, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	select {
	case <-tb.signalStop:
		t.Fatal("quit should require a session")
	default:
	}
}

func TestAPI_Login(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		body     string
		want     int
	}{
		{name: "wrong user", username: "root", password: testAdminPassword, want: http.StatusUnauthorized},
		{name: "wrong password", username: "admin", password: "nope", want: http.StatusUnauthorized},
		{name: "missing fields", body: `{"username":"admin"}`, want: http.StatusBadRequest},
		{name: "ok", username: "admin", password: testAdminPassword, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				tb := newTestAPI(t)
				client := &apiClient{t: t, api: tb.api}
				var w *httptest.ResponseRecorder
				if tc.body != "" {
					w = client.do(http.MethodPost, apiPathLogin, tc.body)
				} else {
					w = client.login(tc.username, tc.password)
				}
				assert.Equal(t, tc.want, w.Code)
			},
		)
	}
}

func TestAPI_LoginRateLimited(t *testing.T) {
	tb := newTestAPI(t)
	tb.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(1), 1)
	client := &apiClient{t: t, api: tb.api}

	assert.Equal(t, http.StatusUnauthorized, client.login("admin", "nope").Code)
	assert.Equal(t, http.StatusTooManyRequests, client.login("admin", "nope").Code)
}

func TestAPI_Session(t *testing.T) {
	tb := newTestAPI(t)
	client := &apiClient{t: t, api: tb.api}

	require.Equal(t, http.StatusOK, client.login("admin", testAdminPassword).Code)
	require.NotEmpty(t, client.cookies)

	w := client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"username":"admin"}`, w.Body.String())

	w = client.do(http.MethodGet, apiPrefix+apiPathConfig, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "test-secret")
	assert.NotContains(t, w.Body.String(), `"token":"token"`)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, "sqlite", cfg["database_type"])

	require.Equal(t, http.StatusOK, client.do(http.MethodPost, apiPathLogout, "").Code)
	w = client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Requests(t *testing.T) {
	tb := newTestAPI(t)
	ctx := context.Background()
	for _, outcome := range []string{RequestOutcomeSuccess, RequestOutcomeExhausted} {
		r := newModelRequest(TriggerMention, "g1", "c1", "u1")
		r.Outcome = outcome
		_, err := tb.writeDB.Create(ctx, &r)
		require.NoError(t, err)
	}

	client := &apiClient{t: t, api: tb.api}
	require.Equal(t, http.StatusOK, client.login("admin", testAdminPassword).Code)

	tests := []struct {
		query string
		code  int
		count int
	}{
		{query: "", code: http.StatusOK, count: 2},
		{query: "?outcome=exhausted", code: http.StatusOK, count: 1},
		{query: "?limit=1", code: http.StatusOK, count: 1},
		{query: "?limit=1000", code: http.StatusBadRequest},
		{query: "?outcome=bogus", code: http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := client.do(http.MethodGet, apiPrefix+apiPathRequests+tc.query, "")
		require.Equal(t, tc.code, w.Code, tc.query)
		if tc.code != http.StatusOK {
			continue
		}
		var rows []ModelRequest
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
		assert.Len(t, rows, tc.count, tc.query)
	}
}

func TestAPI_Reload(t *testing.T) {
	tb := newTestAPI(t)
	next := testConfig(t)
	next.Prompts.System = "Reloaded over HTTP."
	tb.loader = func(context.Context) (*Config, error) {
		return next, nil
	}
	client := &apiClient{t: t, api: tb.api}
	require.Equal(t, http.StatusOK, client.login("admin", testAdminPassword).Code)

	w := client.do(http.MethodPost, apiPrefix+apiPathReload, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"config reloaded","peers_notified":true}`, w.Body.String())
	assert.Equal(t, "Reloaded over HTTP.", tb.Config().Prompts.System)

	next.Discord.Token = ""
	w = client.do(http.MethodPost, apiPrefix+apiPathReload, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_QuitAndCommands(t *testing.T) {
	tb := newTestAPI(t)
	client := &apiClient{t: t, api: tb.api}
	require.Equal(t, http.StatusOK, client.login("admin", testAdminPassword).Code)

	w := client.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, tb.session.commands, 4)

	w = client.do(http.MethodPost, apiPrefix+apiPathQuit, "")
	require.Equal(t, http.StatusOK, w.Code)
	select {
	case <-tb.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestAPI_Metrics(t *testing.T) {
	tb := newTestAPI(t)
	client := &apiClient{t: t, api: tb.api}

	client.do(http.MethodGet, apiHealthCheck, "")
	client.do(http.MethodGet, "/nowhere", "")

	w := client.do(http.MethodGet, apiPathMetrics, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `discordbot_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, body, `route="unmatched",status="404"`)
}
