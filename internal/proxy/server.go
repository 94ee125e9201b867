// Package proxy exposes the client-facing HTTP surface: Anthropic Messages,
// OpenAI Chat Completions, and OpenAI Responses, all dispatched to one
// upstream Responses endpoint.
package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/izzoa/ccproxy/internal/auth"
	"github.com/izzoa/ccproxy/internal/codec"
	"github.com/izzoa/ccproxy/internal/config"
	"github.com/izzoa/ccproxy/internal/metrics"
	"github.com/izzoa/ccproxy/internal/modelmap"
	"github.com/izzoa/ccproxy/internal/session"
	"github.com/izzoa/ccproxy/internal/telemetry"
	"github.com/izzoa/ccproxy/internal/upstream"
)

const maxRequestBodySize = 50 * 1024 * 1024

const accessTokenErrorMessage = "Invalid or missing server access token"

// Server is the proxy HTTP server for one configured provider.
type Server struct {
	cfg      *config.ServerConfig
	provider *config.Provider

	backend  upstream.Backend
	pool     *upstream.Pool
	mapping  *modelmap.Mapping
	sessions *session.Store
	pricing  *metrics.PricingTable
	sink     telemetry.Sink

	httpServer *http.Server
}

// New wires a server from the loaded configuration. The telemetry sink is
// owned by the caller.
func New(cfg *config.ServerConfig, provider *config.Provider, sink telemetry.Sink) (*Server, error) {
	mapping, err := modelmap.New(mappingRules(provider), provider.RestoreAlias)
	if err != nil {
		return nil, fmt.Errorf("compile model rules: %w", err)
	}

	var tokens auth.TokenSource = auth.NewStaticTokenSource(provider.APIKey())
	if oc := provider.OAuth; oc != nil {
		oauthTokens, err := auth.NewOAuthTokenSource(context.Background(), oc.ClientID, oc.TokenURL, oc.RefreshToken())
		if err != nil {
			return nil, fmt.Errorf("configure oauth credentials: %w", err)
		}
		tokens = oauthTokens
	}

	var backend upstream.Backend
	switch provider.Backend {
	case config.BackendSDK:
		backend = upstream.NewSDKBackend(provider.BaseURL, tokens, provider.Headers)
	default:
		httpBackend := upstream.NewHTTPBackend(
			provider.BaseURL,
			tokens,
			provider.Timeouts.Dispatch.Std(30*time.Second),
			provider.Timeouts.StreamIdle.Std(5*time.Minute),
		)
		httpBackend.ExtraHeaders = provider.Headers
		httpBackend.Verbose = cfg.Verbose
		backend = httpBackend
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		backend:  backend,
		pool:     upstream.NewPool(provider.Pool.MaxConcurrent, provider.Pool.AcquireTimeout.Std(10*time.Second)),
		mapping:  mapping,
		sessions: session.NewStore(),
		pricing:  pricingTable(provider.Pricing),
		sink:     sink,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/responses", s.handleResponses)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("POST /v1/messages", s.handleAnthropicMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.handleAnthropicCountTokens)

	// Session-scoped variants: a session ID embedded in the path takes
	// precedence over the session header.
	mux.HandleFunc("POST /v1/sessions/{session_id}/messages", s.handleAnthropicMessages)
	mux.HandleFunc("POST /v1/sessions/{session_id}/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/sessions/{session_id}/responses", s.handleResponses)

	mux.HandleFunc("OPTIONS /", s.handleOptions)

	handler := s.corsMiddleware(s.authMiddleware(s.verboseMiddleware(mux)))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
		// ReadTimeout covers only the request body; 30s is plenty for JSON.
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must outlast the idle-stream timeout so long reasoning
		// streams are not cut off mid-response.
		WriteTimeout: 600 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// ListenAndServe starts the proxy server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully wired HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func mappingRules(p *config.Provider) []modelmap.Rule {
	rules := make([]modelmap.Rule, len(p.ModelRules))
	for i, r := range p.ModelRules {
		rules[i] = modelmap.Rule{
			Kind:        modelmap.RuleKind(r.Kind),
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
		}
	}
	return rules
}

func pricingTable(pc *config.PricingConfig) *metrics.PricingTable {
	if pc == nil {
		return nil
	}
	toPricing := func(e config.PriceEntry) metrics.ModelPricing {
		return metrics.ModelPricing{InputPerMTok: e.InputPerMTok, OutputPerMTok: e.OutputPerMTok}
	}
	exact := make(map[string]metrics.ModelPricing, len(pc.Exact))
	for model, e := range pc.Exact {
		exact[model] = toPricing(e)
	}
	prefixes := make(map[string]metrics.ModelPricing, len(pc.Prefixes))
	for prefix, e := range pc.Prefixes {
		prefixes[prefix] = toPricing(e)
	}
	var def *metrics.ModelPricing
	if pc.Default != nil {
		p := toPricing(*pc.Default)
		def = &p
	}
	return metrics.NewPricingTable(exact, prefixes, def)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	codec.WriteJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.provider.Name,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware allows any origin. The proxy is for local use; browser-based
// IDE extensions need to reach it without a per-origin allowlist.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqHeaders := r.Header.Get("Access-Control-Request-Headers")
		if reqHeaders == "" {
			reqHeaders = "Authorization, Content-Type, Accept"
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := strings.TrimSpace(s.cfg.AccessToken)
		if expected == "" || r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := parseBearerToken(r.Header.Get("Authorization"))
		// ConstantTimeCompare prevents leaking the expected token through
		// response latency differences.
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			if isAnthropicRoute(r.URL.Path) {
				codec.WriteAnthropicError(w, http.StatusUnauthorized, "authentication_error", accessTokenErrorMessage)
			} else {
				codec.WriteOpenAIError(w, http.StatusUnauthorized, accessTokenErrorMessage)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func isAnthropicRoute(path string) bool {
	return strings.HasPrefix(path, "/v1/messages")
}

func (s *Server) verboseMiddleware(next http.Handler) http.Handler {
	if !s.cfg.Verbose {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
