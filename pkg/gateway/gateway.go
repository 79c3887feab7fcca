package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/duplex"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/fallback"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	CallPath       string   `mapstructure:"call_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.CallPath == "" {
		c.CallPath = "/ws/voice/call"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// FallbackProviders bundles the turn-based pipeline collaborators.
type FallbackProviders struct {
	Transcriber fallback.Transcriber
	Answerer    fallback.Answerer
	Synthesizer fallback.Synthesizer
}

// Gateway accepts caller connections, authenticates the forwarded
// principal, and relays messages between the caller and whichever
// engine backs the session.
type Gateway struct {
	cfg       Config
	manager   *session.Manager
	store     docstore.Store
	searcher  docstore.Searcher
	invoker   duplex.ToolRunner
	duplexCfg duplex.Config
	fbp       FallbackProviders
	obs       metrics.Observer
	logger    *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(cfg Config, manager *session.Manager, store docstore.Store, searcher docstore.Searcher, invoker duplex.ToolRunner, duplexCfg duplex.Config, fbp FallbackProviders) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		searcher:  searcher,
		invoker:   invoker,
		duplexCfg: duplexCfg,
		fbp:       fbp,
		obs:       metrics.NoopObserver{},
		logger:    logging.NewComponentLogger(slog.Default(), "audio_relay_gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	g.upgrader.CheckOrigin = g.checkOrigin
	return g
}

func (g *Gateway) SetObserver(obs metrics.Observer) {
	if obs != nil {
		g.obs = obs
	}
}

func (g *Gateway) Name() string { return "audio_relay_gateway" }

func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(strings.TrimRight(g.cfg.CallPath, "/")+"/", g.handleCall)
	mux.HandleFunc("/ws/stats", g.handleStats)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "voicegate"})
	})
	g.server = &http.Server{
		Addr:              g.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = g.server.Close()
	}()
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway_server_error", slog.String("error", err.Error()))
		}
	}()
	g.logger.Info("gateway_listening",
		slog.String("addr", g.cfg.Addr),
		slog.String("call_path", g.cfg.CallPath))
	return nil
}

func (g *Gateway) Stop() error {
	g.draining.Store(true)
	if g.server != nil {
		return g.server.Close()
	}
	return nil
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.manager.Stats())
}

func (g *Gateway) handleCall(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	documentID := strings.Trim(strings.TrimPrefix(r.URL.Path, strings.TrimRight(g.cfg.CallPath, "/")), "/")
	userID := r.Header.Get("X-User-ID")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The principal is set upstream by the authenticating proxy; a
	// bare connection is rejected before any session work.
	if userID == "" {
		g.closePolicy(conn, "Authentication required. Missing user ID.")
		return
	}
	if documentID == "" {
		g.closePolicy(conn, "Document ID required.")
		return
	}
	exists, err := g.store.Exists(r.Context(), documentID)
	if err != nil || !exists {
		g.closePolicy(conn, "Document not found: "+documentID)
		return
	}

	c := newCall(g, conn, userID, documentID)
	c.run(r.Context())
}

func (g *Gateway) closePolicy(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range g.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
