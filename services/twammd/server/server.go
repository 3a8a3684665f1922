package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"twamm/core/events"
	nativecommon "twamm/native/common"
	"twamm/native/twamm"
	"twamm/services/twammd/storage"
)

// OwnerHeader carries the bech32 address of the caller. When owner tokens
// are configured the token subject takes precedence and the header, if sent,
// must match it.
const OwnerHeader = "X-TWAMM-Owner"

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	TLS           TLSConfig
}

// TLSConfig describes listener TLS settings.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// PoolSeeder registers reserves for a new pool at the venue.
type PoolSeeder interface {
	Seed(ctx context.Context, poolID, assetA, assetB string, reserveA, reserveB *uint256.Int) (bool, error)
}

// Deps bundles the collaborators served over HTTP.
type Deps struct {
	Coordinator *twamm.Coordinator
	Storage     *storage.Storage
	Events      *events.Buffer
	Pauses      *nativecommon.PauseSet
	Venue       PoolSeeder
	Admin       *AdminAuth
	Owners      *OwnerAuth
	RateLimiter *RateLimiter
	Logger      *log.Logger
}

// Server hosts the public and admin API of twammd.
type Server struct {
	cfg     Config
	coord   *twamm.Coordinator
	store   *storage.Storage
	events  *events.Buffer
	pauses  *nativecommon.PauseSet
	venue   PoolSeeder
	admin   *AdminAuth
	owners  *OwnerAuth
	limiter *RateLimiter
	logger  *log.Logger
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewBuffer(256)
	}
	if deps.Pauses == nil {
		deps.Pauses = nativecommon.NewPauseSet()
	}
	return &Server{
		cfg:     cfg,
		coord:   deps.Coordinator,
		store:   deps.Storage,
		events:  deps.Events,
		pauses:  deps.Pauses,
		venue:   deps.Venue,
		admin:   deps.Admin,
		owners:  deps.Owners,
		limiter: deps.RateLimiter,
		logger:  deps.Logger,
	}, nil
}

// Handler returns the routed, instrumented API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.Get("/params", s.handleParams)
		v1.Get("/stats", s.handleStats)
		v1.Get("/events", s.handleEvents)
		v1.Get("/events/stream", s.handleEventStream)

		v1.Get("/pools", s.handlePools)
		v1.Route("/pools/{pool}", func(pr chi.Router) {
			pr.Get("/", s.handlePool)
			pr.Get("/orders", s.handlePoolOrders)
			pr.Get("/execution", s.handleExecution)
			pr.Get("/estimate", s.handleEstimate)
			pr.Get("/quote", s.handleQuote)
			pr.Get("/twap", s.handleTWAP)
			pr.Get("/settlements", s.handleSettlements)
			pr.With(s.owners.Middleware, withIdempotency(s.store.DB())).Post("/execute", s.handleExecute)
		})

		v1.With(s.owners.Middleware, withIdempotency(s.store.DB())).Post("/orders", s.handleSubmit)
		v1.Route("/orders/{id}", func(or chi.Router) {
			or.Get("/", s.handleOrder)
			or.Get("/executable", s.handleExecutable)
			mutate := or.With(s.owners.Middleware, withIdempotency(s.store.DB()))
			mutate.Post("/cancel", s.handleCancel)
			mutate.Post("/withdraw", s.handleWithdraw)
			mutate.Post("/claim", s.handleClaim)
		})

		v1.Get("/accounts/{address}/orders", s.handleAccountOrders)
		v1.Get("/accounts/{address}/balances", s.handleAccountBalances)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.admin.Middleware)
		ar.Put("/params", s.handleUpdateParams)
		ar.Post("/pause", s.handlePause)
		ar.Post("/credit", s.handleCredit)
		ar.Post("/pools", s.handleCreatePool)
		ar.Get("/pools/{pool}/settlements.parquet", s.handleExportSettlements)
		ar.Post("/stats/reset", s.handleResetStats)
	})

	return otelhttp.NewHandler(r, "twammd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("twammd: http server listening on %s", s.cfg.ListenAddress)
	var err error
	if s.cfg.TLS.Disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(strings.TrimSpace(s.cfg.TLS.CertFile), strings.TrimSpace(s.cfg.TLS.KeyFile))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
