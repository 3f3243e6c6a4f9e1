package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfc-relay/internal/relay"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

func newTestRouter(t *testing.T, origins []string, identity relay.Identity) http.Handler {
	t.Helper()
	core := relay.New(relay.NewRegistry(), relay.FanoutOthers)
	ws := relay.NewServer(core, identity, relay.ServerOptions{CheckOrigin: OriginChecker(origins)})
	return NewRouter(ws, Options{AllowedOrigins: origins, Identity: identity, Now: fixedNow})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		identity relay.Identity
		want     Health
	}{
		{
			name: "local",
			want: Health{Status: "healthy", Timestamp: "2024-01-02T03:04:05.000Z", Platform: "Local", Project: "local"},
		},
		{
			name:     "hosted",
			identity: relay.Identity{ProjectDomain: "nfc-demo"},
			want:     Health{Status: "healthy", Timestamp: "2024-01-02T03:04:05.000Z", Platform: "Glitch", Project: "nfc-demo"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, []string{"*"}, tt.identity)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var got Health
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusPage(t *testing.T) {
	router := newTestRouter(t, []string{"*"}, relay.Identity{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Server is running!")
	assert.Contains(t, body, "Environment: Local")
	assert.Contains(t, body, "Server Time: 2024-01-02T03:04:05.000Z")
	assert.Contains(t, body, "Connected clients: 0")
	assert.Contains(t, body, "Fan-out: others")
}

func TestSecurityHeaders(t *testing.T) {
	router := newTestRouter(t, []string{"*"}, relay.Identity{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", rec.Header().Get("X-XSS-Protection"))
}

func TestCORSPreflight(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		origin   string
		method   string
		wantCode int
		want     string
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://any.example", method: http.MethodGet, wantCode: http.StatusNoContent, want: "https://any.example"},
		{name: "listed", allowed: []string{"https://a.example/"}, origin: "https://a.example", method: http.MethodPost, wantCode: http.StatusNoContent, want: "https://a.example"},
		{name: "unlisted", allowed: []string{"https://a.example"}, origin: "https://b.example", method: http.MethodGet, wantCode: http.StatusOK, want: ""},
		{name: "no origin", allowed: []string{"*"}, method: http.MethodGet, wantCode: http.StatusOK, want: ""},
		{name: "method not allowed", allowed: []string{"*"}, origin: "https://any.example", method: http.MethodPut, wantCode: http.StatusMethodNotAllowed, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, tt.allowed, relay.Identity{})
			req := httptest.NewRequest(http.MethodOptions, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			req.Header.Set("Access-Control-Request-Method", tt.method)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.want != "" {
				assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORSSimpleRequest(t *testing.T) {
	router := newTestRouter(t, []string{"https://a.example"}, relay.Identity{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://a.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://a.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://b.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "the route still serves, the browser enforces")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebsocketRouteHonoursOrigins(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(t, []string{"https://ok.example"}, relay.Identity{}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://ok.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://ok.example"})

	native := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(native), "native clients send no Origin")

	browser := httptest.NewRequest(http.MethodGet, "/ws", nil)
	browser.Header.Set("Origin", "https://OK.example")
	assert.True(t, check(browser))
}
