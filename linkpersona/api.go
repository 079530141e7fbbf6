package linkpersona

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	apiPathRoot     = "/"
	apiHealthCheck  = "/health"
	apiPathPersonas = "/personas"
	apiPathStats    = "/stats"
	apiPathIngest   = "/ingest"
	apiPathDebate   = "/debate"
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		validateConversationConfig, ConversationConfig{},
	)
	structValidator.RegisterCustomTypeFunc(
		validateSummaryConfig, SummaryConfig{},
	)
}

// httpReply is a generic JSON message response.
type httpReply struct {
	Message string `json:"message"`
}

// httpError is a generic JSON error response.
type httpError struct {
	Error string `json:"error"`
}

// apiInfo describes the service on the root route.
type apiInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// healthResponse is the health check payload.
type healthResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	GatewayConnected bool    `json:"gateway_connected"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// ingestRequest is the POST body for the ingest endpoint. An empty
// PersonaID selects the first registered persona. UserID is optional
// and only lands on the audit row.
type ingestRequest struct {
	URL       string `json:"url" binding:"required"`
	PersonaID string `json:"persona_id"`
	UserID    string `json:"user_id"`
}

// debateRequest is the POST body for the debate endpoint. With a
// UserMessage it runs in conversation mode: the reply continues the
// supplied history in the persona's voice, statelessly. With only a
// URL it stages the three-part article debate.
type debateRequest struct {
	URL                 string                `json:"url"`
	PersonaID           string                `json:"persona_id"`
	UserMessage         string                `json:"user_message"`
	ConversationHistory []ConversationMessage `json:"conversation_history"`
}

// apiStats augments the dispatcher stats with per-route request counts.
type apiStats struct {
	*StatsReply
	Requests map[string]int `json:"requests"`
}

// API is the backend HTTP server. It exposes the same summarize and
// debate operations as the Discord frontend, plus persona and counter
// lookups, as JSON endpoints.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	dispatcher       *Dispatcher
	registry         PersonaRegistry
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	startedAt time.Time

	// gatewayConnected reports the Discord gateway state on the health
	// endpoint. Left nil (always false) when the bot isn't wired up.
	gatewayConnected func() bool
}

// newAPI initializes the API server: engine, middleware, routes and the
// underlying http.Server. TLS is enabled when both cert and key paths
// are configured.
func newAPI(
	dispatcher *Dispatcher,
	registry PersonaRegistry,
	config *APIConfig,
) (*API, error) {
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		dispatcher:     dispatcher,
		registry:       registry,
		requestMetrics: map[string]int{},
		startedAt:      time.Now(),
	}
	api.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiPathRoot, api.getRoot)
	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathPersonas, api.getPersonas)
	r.GET(apiPathStats, api.getStats)
	r.POST(apiPathIngest, api.postIngest)
	r.POST(apiPathDebate, api.postDebate)

	return api, nil
}

// Serve listens on the configured address and serves requests until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			a.config.ListenNetwork,
			a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.Info(
		"api listening",
		"address", a.config.Listen,
		"network", a.config.ListenNetwork,
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) getRoot(c *gin.Context) {
	c.JSON(http.StatusOK, apiInfo{Name: "linkpersona api", Version: Version})
}

func (a *API) healthCheck(c *gin.Context) {
	connected := false
	if a.gatewayConnected != nil {
		connected = a.gatewayConnected()
	}
	c.JSON(
		http.StatusOK, healthResponse{
			Status:           "ok",
			Version:          Version,
			GatewayConnected: connected,
			UptimeSeconds:    time.Since(a.startedAt).Seconds(),
		},
	)
}

// getPersonas lists every registered persona. Persona system prompts
// aren't serialized.
func (a *API) getPersonas(c *gin.Context) {
	c.JSON(http.StatusOK, a.registry.All())
}

func (a *API) getStats(c *gin.Context) {
	a.requestMetricsMu.Lock()
	requests := make(map[string]int, len(a.requestMetrics))
	for route, count := range a.requestMetrics {
		requests[route] = count
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK,
		apiStats{StatsReply: a.dispatcher.Stats(), Requests: requests},
	)
}

// postIngest fetches the submitted URL and returns its summary in the
// requested persona's voice.
func (a *API) postIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}

	reply, err := a.dispatcher.SummarizeURL(
		c.Request.Context(),
		req.URL,
		req.PersonaID,
		req.UserID,
		requestSourceAPI,
	)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// postDebate answers in conversation mode when a user message was sent,
// and otherwise stages the three-part debate over the submitted URL.
func (a *API) postDebate(c *gin.Context) {
	var req debateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}

	var reply Reply
	var err error
	switch {
	case req.UserMessage != "":
		reply, err = a.dispatcher.Converse(
			c.Request.Context(),
			req.PersonaID,
			req.ConversationHistory,
			req.UserMessage,
			requestSourceAPI,
		)
	case req.URL != "":
		reply, err = a.dispatcher.Debate(
			c.Request.Context(),
			req.URL,
			requestSourceAPI,
		)
	default:
		err = ValidationError("either user_message or url is required")
	}
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// abortWithError maps dispatcher errors onto HTTP statuses and writes a
// JSON error body.
func (a *API) abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(apiErrorStatus(err), httpError{Error: err.Error()})
}

// apiErrorStatus maps the error taxonomy onto HTTP statuses. Upstream
// failures surface as bad gateway or gateway timeout so callers can tell
// them apart from this service's own errors.
func apiErrorStatus(err error) int {
	var rateErr *RateLimitError
	var fetchErr *FetchError
	var llmErr *LLMError
	var validationErr ValidationError

	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPersonaNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyRegistry):
		return http.StatusServiceUnavailable
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		if fetchErr.Reason == FetchTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &llmErr):
		if llmErr.Reason == LLMTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// requestIDMiddleware assigns each request an ID, echoed in the
// response headers and attached to the request logger.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
//
// It logs the request method, path, remote address, user agent, referer,
// and the duration of the request. If there are any errors, it logs them
// as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request counts per method and path. The counts are stored in the API's
// requestMetrics map, which is protected by a mutex.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}
