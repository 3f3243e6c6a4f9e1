// Package httpapi exposes the relay over HTTP: the websocket endpoint, a JSON
// health check and a small HTML status page.
package httpapi

import (
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/exp/slices"

	"nfc-relay/internal/protocol"
	"nfc-relay/internal/relay"
)

// Health is the /health response body.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Platform  string `json:"platform"`
	Project   string `json:"project"`
}

// Options configure the router.
type Options struct {
	AllowedOrigins []string
	Identity       relay.Identity
	Now            func() time.Time
}

// NewRouter mounts the websocket server and the status routes.
func NewRouter(ws *relay.Server, opts Options) *mux.Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &routes{ws: ws, opts: opts}

	r := mux.NewRouter()
	r.Use(securityHeaders, cors(opts.AllowedOrigins))
	r.Handle("/ws", ws).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/", h.status).Methods(http.MethodGet)
	// Preflights are answered by the CORS middleware; this route only
	// makes them match so the middleware runs.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// OriginChecker returns a websocket CheckOrigin honouring allowed. Requests
// without an Origin header (native clients) are always accepted.
func OriginChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(allowed, origin)
	}
}

type routes struct {
	ws   *relay.Server
	opts Options
}

func (h *routes) health(w http.ResponseWriter, r *http.Request) {
	info := h.opts.Identity.ServerInfo()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Health{
		Status:    "healthy",
		Timestamp: protocol.FormatTime(h.opts.Now()),
		Platform:  info.Platform,
		Project:   info.Project,
	}); err != nil {
		log.Printf("write health: %v", err)
	}
}

var statusPage = template.Must(template.New("status").Parse(`<html>
    <head>
        <title>NFC Reader Server</title>
        <style>
            body { font-family: Arial, sans-serif; margin: 40px; }
            .status { padding: 20px; background: #e8f5e9; border-radius: 8px; }
            .info { margin-top: 20px; color: #666; }
        </style>
    </head>
    <body>
        <h1>NFC Reader Server</h1>
        <div class="status">Server is running!</div>
        <div class="info">
            <p>Environment: {{.Platform}}</p>
            <p>Server Time: {{.ServerTime}}</p>
            <p>Fan-out: {{.Mode}}</p>
            <p>Connected clients: {{.Clients}}</p>
            <p>Events relayed: {{.Stats.Submitted}} (delivered {{.Stats.Delivered}}, dropped {{.Stats.Dropped}})</p>
        </div>
    </body>
</html>
`))

func (h *routes) status(w http.ResponseWriter, r *http.Request) {
	core := h.ws.Relay()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := statusPage.Execute(w, struct {
		Platform   string
		ServerTime string
		Mode       relay.FanoutMode
		Clients    int
		Stats      relay.Stats
	}{
		Platform:   h.opts.Identity.ServerInfo().Platform,
		ServerTime: protocol.FormatTime(h.opts.Now()),
		Mode:       core.Mode(),
		Clients:    core.Registry().Len(),
		Stats:      core.Stats(),
	})
	if err != nil {
		log.Printf("render status page: %v", err)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// cors allows GET and POST with credentials from the allowed origins. The
// request origin is echoed back, since credentials rule out a literal "*".
func cors(allowed []string) mux.MiddlewareFunc {
	return handlers.CORS(
		handlers.AllowedOriginValidator(func(origin string) bool {
			return origin != "" && originAllowed(allowed, origin)
		}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Requested-With"}),
		handlers.AllowCredentials(),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
}

func originAllowed(allowed []string, origin string) bool {
	if slices.Contains(allowed, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(allowed, func(a string) bool {
		return strings.EqualFold(strings.TrimSuffix(a, "/"), u.Scheme+"://"+u.Host)
	})
}
