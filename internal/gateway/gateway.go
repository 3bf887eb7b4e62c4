// Package gateway is the HTTP surface of the proxy.
//
// It authenticates tenants, decodes the inbound dialect (OpenAI or
// Anthropic), applies rate limiting and the credit gate, hands the request to
// the dispatcher, and streams the upstream answer back while a forked shadow
// branch captures usage for settlement. Settlement runs detached from the
// request but is tracked so shutdown can drain it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/billing"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/dispatch"
	"github.com/BingoWon/Keyaos-sub000/internal/logger"
	"github.com/BingoWon/Keyaos-sub000/internal/metrics"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
	"github.com/BingoWon/Keyaos-sub000/internal/ratelimit"
	"github.com/BingoWon/Keyaos-sub000/internal/streamfork"
	anthropictr "github.com/BingoWon/Keyaos-sub000/internal/translate/anthropic"
	openaitr "github.com/BingoWon/Keyaos-sub000/internal/translate/openai"
	"github.com/BingoWon/Keyaos-sub000/pkg/apierr"
)

const defaultUpstreamTimeout = 30 * time.Second

// Dispatcher is the dispatch loop the server drives. Satisfied by
// *dispatch.Dispatcher; an interface so handler tests can stub it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *chat.Request, surface chat.Dialect, allow []string) (*dispatch.Result, error)
}

// Options holds optional tuning parameters for a Server. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled and /metrics is not registered.
	Metrics *metrics.Registry

	// Usage is the async usage-event logger. Nil disables usage logging.
	Usage *logger.Logger

	// Limiter applies a per-tenant RPM limit. Nil disables rate limiting.
	Limiter *ratelimit.RPMLimiter

	// Wallets backs the pre-dispatch credit gate. Only consulted when
	// PlatformMode is set.
	Wallets billing.WalletStore

	// PlatformMode enables the credit gate: tenants with a non-positive
	// balance are rejected with 402 before any upstream call.
	PlatformMode bool

	// UpstreamTimeout bounds non-streaming upstream calls. Streaming calls
	// run until the stream drains. Default: 30s.
	UpstreamTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	Version string
}

// Server is the HTTP gateway — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Server struct {
	baseCtx    context.Context
	dispatcher Dispatcher
	settler    *billing.Settler
	tenants    Resolver
	prices     pricing.Store
	registry   *adapters.Registry

	log     *slog.Logger
	metrics *metrics.Registry
	usage   *logger.Logger
	limiter *ratelimit.RPMLimiter
	wallets billing.WalletStore

	platformMode    bool
	upstreamTimeout time.Duration
	corsOrigins     []string
	version         string

	tasks sync.WaitGroup
	srv   *fasthttp.Server
}

// New creates a fully configured Server.
func New(
	baseCtx context.Context,
	d Dispatcher,
	settler *billing.Settler,
	tenants Resolver,
	prices pricing.Store,
	registry *adapters.Registry,
	opts Options,
) *Server {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	return &Server{
		baseCtx:         baseCtx,
		dispatcher:      d,
		settler:         settler,
		tenants:         tenants,
		prices:          prices,
		registry:        registry,
		log:             log,
		metrics:         opts.Metrics,
		usage:           opts.Usage,
		limiter:         opts.Limiter,
		wallets:         opts.Wallets,
		platformMode:    opts.PlatformMode,
		upstreamTimeout: timeout,
		corsOrigins:     opts.CORSOrigins,
		version:         opts.Version,
	}
}

// Start runs the HTTP server on addr (e.g. ":8080") until Shutdown.
func (s *Server) Start(addr string) error {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/messages", s.handleMessages)
	r.GET("/v1/models", s.handleModels)
	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE streams outlive any fixed bound.
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// Drain blocks until every detached settlement task has finished.
func (s *Server) Drain() {
	s.tasks.Wait()
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	s.serveChat(ctx, chat.DialectOpenAI, "chat_completions")
}

func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
	s.serveChat(ctx, chat.DialectAnthropic, "messages")
}

func (s *Server) serveChat(ctx *fasthttp.RequestCtx, surface chat.Dialect, route string) {
	start := time.Now()

	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate the tenant.
	tenant, err := s.tenants.Resolve(ctx, clientToken(ctx))
	if err != nil {
		apierr.WriteUnauthorized(ctx)
		return
	}

	// 2. Rate limit.
	if s.limiter != nil {
		allowed, lerr := s.limiter.Allow(ctx, tenant.ID)
		if s.metrics != nil {
			switch {
			case lerr != nil:
				s.metrics.RecordRateLimit("error")
			case allowed:
				s.metrics.RecordRateLimit("allowed")
			default:
				s.metrics.RecordRateLimit("blocked")
			}
		}
		if lerr == nil && !allowed {
			s.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("tenant", tenant.ID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 3. Decode the inbound dialect.
	var req *chat.Request
	switch surface {
	case chat.DialectAnthropic:
		req, err = anthropictr.DecodeRequest(ctx.PostBody())
	default:
		req, err = openaitr.DecodeRequest(ctx.PostBody())
	}
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("tenant", tenant.ID),
		slog.String("model", req.Model),
		slog.String("surface", string(surface)),
		slog.Bool("stream", req.Stream),
	)

	// 4. Credit gate. The gate checks balance > 0, not the final amount —
	// the exact cost is only known after the stream completes.
	if s.platformMode && s.wallets != nil {
		w, werr := s.wallets.Get(ctx, tenant.ID)
		if werr != nil {
			s.log.ErrorContext(ctx, "wallet lookup", slog.String("tenant", tenant.ID), slog.String("error", werr.Error()))
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"wallet unavailable", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		if w.Balance <= 0 {
			apierr.WriteInsufficientCredits(ctx)
			return
		}
	}

	if !s.modelKnown(ctx, req.Model) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"unknown model "+req.Model, apierr.TypeNotFound, apierr.CodeModelNotFound)
		return
	}

	// 5. Dispatch. The upstream call runs on the server's base context, not
	// the request's: the shadow branch must keep draining after a client
	// disconnect so usage stays accurate.
	var (
		uctx   context.Context
		cancel context.CancelFunc
	)
	if req.Stream {
		uctx, cancel = context.WithCancel(s.baseCtx)
	} else {
		uctx, cancel = context.WithTimeout(s.baseCtx, s.upstreamTimeout)
	}

	result, err := s.dispatcher.Dispatch(uctx, req, surface, tenant.Providers)
	if err != nil {
		cancel()
		s.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		switch {
		case errors.Is(err, dispatch.ErrNoProviderAvailable):
			if s.metrics != nil {
				s.metrics.RecordDispatchExhausted(req.Model)
			}
			apierr.WriteNoProvider(ctx, req.Model)
		case errors.Is(err, context.DeadlineExceeded):
			apierr.WriteTimeout(ctx)
		default:
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		}
		return
	}

	cand := result.Candidate
	if s.metrics != nil {
		s.metrics.ObserveDispatch(cand.Adapter.ID(), result.Attempts)
	}
	ctx.Response.Header.Set("X-Provider", cand.Adapter.ID())
	ctx.Response.Header.Set("X-Credential-Id", cand.Credential.ID)

	// 6. Fork the upstream body: the client gets the exact bytes while the
	// shadow branch extracts usage. Settlement fires once the upstream
	// stream completes, regardless of the client connection.
	rec := billing.Record{
		RequestID:  reqID,
		ConsumerID: tenant.ID,
		Credential: cand.Credential,
		Provider:   cand.Adapter.ID(),
		Model:      adapters.BareModel(cand.Adapter.ID(), req.Model),
		Price:      cand.Price,
	}
	streamed := result.Response.Streaming

	forked := streamfork.Fork(result.Response.Body, streamed, streamfork.Callbacks{
		OnUsage: func(u chat.Usage) { rec.Usage = u },
		OnDone: func() {
			cancel()
			s.settleAsync(rec, time.Since(start), streamed)
		},
		OnError: func(ferr error) {
			cancel()
			s.log.Warn("upstream stream aborted",
				slog.String("request_id", reqID),
				slog.String("provider", rec.Provider),
				slog.String("error", ferr.Error()),
			)
		},
	})

	ctx.SetStatusCode(result.Response.StatusCode)
	ctx.SetContentType(result.Response.ContentType)
	if streamed {
		ctx.Response.Header.Set("Cache-Control", "no-cache")
	}
	ctx.Response.SetBodyStream(forked, -1)
}

// settleAsync runs settlement on a tracked background task. Shutdown joins
// these via Drain so completed calls always reach the ledger.
func (s *Server) settleAsync(rec billing.Record, latency time.Duration, streamed bool) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 30*time.Second)
		defer cancel()

		if err := s.settler.Process(sctx, rec); err != nil {
			if s.metrics != nil {
				s.metrics.RecordSettlementFailure("ledger")
			}
			s.log.Error("settlement failed",
				slog.String("request_id", rec.RequestID),
				slog.String("error", err.Error()),
			)
			return
		}

		base := billing.BaseCost(rec.Usage, rec.Price)
		if s.metrics != nil {
			s.metrics.AddTokens(rec.Provider, rec.Usage.InputTokens, rec.Usage.OutputTokens)
			st := billing.Settle(rec.ConsumerID, rec.Credential.OwnerID, base)
			s.metrics.AddSettlement(st.ConsumerCharged, st.ProviderEarned, st.PlatformFee)
		}
		if s.usage != nil {
			id, err := uuid.Parse(rec.RequestID)
			if err != nil {
				id = uuid.New()
			}
			s.usage.Log(logger.UsageLog{
				ID:           id,
				ConsumerID:   rec.ConsumerID,
				Provider:     rec.Provider,
				CredentialID: rec.Credential.ID,
				Model:        rec.Model,
				InputTokens:  uint32(rec.Usage.InputTokens),
				OutputTokens: uint32(rec.Usage.OutputTokens),
				CostUSD:      base,
				LatencyMs:    uint32(latency.Milliseconds()),
				Status:       fasthttp.StatusOK,
				Streamed:     streamed,
				CreatedAt:    time.Now(),
			})
		}
	}()
}

// modelKnown reports whether any registered provider prices the model.
func (s *Server) modelKnown(ctx *fasthttp.RequestCtx, model string) bool {
	for _, id := range s.registry.IDs() {
		if _, err := s.prices.Get(ctx, id, adapters.BareModel(id, model)); err == nil {
			return true
		}
	}
	return false
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	data := []modelEntry{}
	for _, id := range s.registry.IDs() {
		list, err := s.prices.ListByProvider(ctx, id)
		if err != nil {
			s.log.ErrorContext(ctx, "model list", slog.String("provider", id), slog.String("error", err.Error()))
			continue
		}
		for _, p := range list {
			if !p.Active {
				continue
			}
			data = append(data, modelEntry{
				ID:      id + "/" + p.Model,
				Object:  "model",
				OwnedBy: id,
			})
		}
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// clientToken extracts the tenant API token: Authorization bearer for the
// OpenAI surface, X-Api-Key for the Anthropic surface.
func clientToken(ctx *fasthttp.RequestCtx) string {
	if tok := parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))); tok != "" {
		return tok
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("X-Api-Key")))
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
