package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/efortin/streamcall/pkg/schema"
	"github.com/efortin/streamcall/pkg/transform"
)

// Server is the rewriting reverse proxy in front of an OpenAI-compatible
// backend.
type Server struct {
	config  *Config
	engine  *gin.Engine
	target  *url.URL
	reverse *httputil.ReverseProxy
	metrics *MetricsRecorder
	log     *zap.Logger
}

// NewServer builds the proxy from a validated config.
func NewServer(cfg *Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	if !cfg.LogOutput {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		engine:  engine,
		target:  target,
		reverse: httputil.NewSingleHostReverseProxy(target),
		metrics: NewMetricsRecorder(cfg.Protocol),
		log:     log,
	}
	s.reverse.FlushInterval = -1
	s.reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Error("upstream error", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/v1/chat/completions", s.handleChatCompletions)
	engine.NoRoute(s.handlePassthrough)

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the HTTP server until it fails.
func (s *Server) Start() error {
	s.log.Info("starting proxy",
		zap.String("port", s.config.Port),
		zap.String("target", s.config.TargetURL),
		zap.String("protocol", s.config.Protocol),
		zap.Bool("rewrite", s.config.EnableRewrite))
	srv := &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePassthrough(c *gin.Context) {
	start := time.Now()
	s.reverse.ServeHTTP(c.Writer, c.Request)
	s.metrics.RecordRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
		time.Since(start), c.Request.ContentLength, int64(c.Writer.Size()))
}

// chatRequest is the subset of the chat completion request the proxy reads.
type chatRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
	Tools  []struct {
		Type     string `json:"type"`
		Function struct {
			Name       string             `json:"name"`
			Parameters *schema.Descriptor `json:"parameters"`
		} `json:"function"`
	} `json:"tools"`
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Request.ContentLength = int64(len(body))

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Warn("unparseable chat request, proxying as-is",
			zap.String("request_id", requestID), zap.Error(err))
		s.reverse.ServeHTTP(c.Writer, c.Request)
		return
	}

	registry := registryFromRequest(req)
	rewrite := s.config.EnableRewrite && req.Stream && registry != nil

	log := s.log.With(
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Bool("rewrite", rewrite))
	log.Debug("chat completion request", zap.Int("tools", len(req.Tools)))

	tracker := NewTokenTracker(firstNonEmpty(req.Model, s.config.Model))
	tracker.SetInputTokens(EstimateTokens(string(body)))

	var w http.ResponseWriter = c.Writer
	if rewrite {
		t := transform.New(transform.Config{
			Protocol: s.config.ProtocolImpl(),
			Registry: registry,
			Logger:   log,
		})
		w = newStreamRewriter(c.Writer, t, s.metrics, tracker, log)
		s.metrics.StreamStarted()
		defer s.metrics.StreamFinished()
	}

	s.reverse.ServeHTTP(w, c.Request)

	input, output := tracker.Usage()
	s.metrics.RecordTokens("input", input)
	s.metrics.RecordTokens("output", output)
	s.metrics.RecordRequest(c.Request.Method, c.Request.URL.Path, statusOf(w, c),
		time.Since(start), int64(len(body)), sizeOf(w, c))
}

// registryFromRequest builds the tool registry from the request's tools
// array. Nil when the request declares no function tools.
func registryFromRequest(req chatRequest) *transform.Registry {
	var tools []transform.Tool
	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if t.Function.Name == "" {
			continue
		}
		tools = append(tools, transform.Tool{
			Name:   t.Function.Name,
			Schema: t.Function.Parameters,
		})
	}
	if len(tools) == 0 {
		return nil
	}
	return transform.NewRegistry(tools...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func statusOf(w http.ResponseWriter, c *gin.Context) int {
	if rw, ok := w.(*streamRewriter); ok {
		return rw.Status()
	}
	return c.Writer.Status()
}

func sizeOf(w http.ResponseWriter, c *gin.Context) int64 {
	if rw, ok := w.(*streamRewriter); ok {
		return rw.Size()
	}
	return int64(c.Writer.Size())
}
