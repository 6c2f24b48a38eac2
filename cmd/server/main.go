package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/access"
	"github.com/curvelaunch/graduation-engine/internal/amm"
	"github.com/curvelaunch/graduation-engine/internal/events"
	"github.com/curvelaunch/graduation-engine/internal/governance"
	"github.com/curvelaunch/graduation-engine/internal/graduation"
	"github.com/curvelaunch/graduation-engine/internal/metrics"
	"github.com/curvelaunch/graduation-engine/internal/model"
	"github.com/curvelaunch/graduation-engine/internal/safety"
	"github.com/curvelaunch/graduation-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	admin := os.Getenv("ADMIN_PRINCIPAL")
	if admin == "" {
		admin = "admin"
	}
	lpRecipient := os.Getenv("LP_LOCK_RECIPIENT")
	if lpRecipient == "" {
		lpRecipient = admin
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Role registry ---
	roles := access.NewRegistry(admin)

	// --- Safety gates ---
	window, err := safety.NewRateWindow(
		envInt("MAX_GRADUATIONS_PER_HOUR", 10),
		envDecimal("MAX_LIQUIDITY_PER_HOUR", "10000"),
	)
	if err != nil {
		slog.Error("invalid rate window caps", "err", err)
		os.Exit(1)
	}
	guards := safety.Guards{
		Breaker:   safety.NewCircuitBreaker(),
		Window:    window,
		Limits:    safety.TxLimits{MaxSingleGraduationLiquidity: envDecimal("MAX_SINGLE_GRADUATION_LIQUIDITY", "0")},
		Emergency: safety.NewEmergency(),
	}

	// --- Pool router ---
	var router amm.Router
	if routerURL := os.Getenv("AMM_ROUTER_URL"); routerURL != "" {
		router = amm.NewHTTPRouter(routerURL)
		slog.Info("pool router configured", "url", routerURL)
	} else {
		slog.Warn("AMM_ROUTER_URL not set, using stub router (receipts are fabricated)")
		router = amm.StubRouter{}
	}

	// --- Event stream ---
	hub := events.NewHub()
	go hub.Run()
	recorder := events.NewRecorder(st, hub)

	// --- Graduation engine ---
	gradCfg := model.GraduationConfig{
		MarketCapThreshold:  envDecimal("MARKET_CAP_THRESHOLD", "100000"),
		LiquidityThreshold:  envDecimal("LIQUIDITY_THRESHOLD", "50000"),
		MinLockDuration:     envDuration("MIN_LOCK_DURATION", 180*24*time.Hour),
		SlippageToleranceBp: int64(envInt("SLIPPAGE_TOLERANCE_BP", 500)),
		AutoGraduateEnabled: os.Getenv("AUTO_GRADUATE") != "false",
	}
	gradEngine, err := graduation.NewEngine(st, roles, guards, router, recorder, gradCfg, lpRecipient)
	if err != nil {
		slog.Error("invalid graduation config", "err", err)
		os.Exit(1)
	}

	// --- Governance engine ---
	govParams := governance.Params{
		VotingDelay:  envDuration("VOTING_DELAY", time.Hour),
		VotingPeriod: envDuration("VOTING_PERIOD", 72*time.Hour),
		QuorumBp:     int64(envInt("QUORUM_BP", 4000)),
		Timelock:     envDuration("CONFIG_TIMELOCK", 48*time.Hour),
	}
	// Approved config payloads land on the graduation engine as the admin
	// principal.
	executor := func(payload []byte) error {
		var req struct {
			MarketCapThreshold  decimal.Decimal `json:"market_cap_threshold"`
			LiquidityThreshold  decimal.Decimal `json:"liquidity_threshold"`
			MinLockDurationSecs int64           `json:"min_lock_duration_secs"`
			SlippageToleranceBp int64           `json:"slippage_tolerance_bp"`
			AutoGraduateEnabled bool            `json:"auto_graduate_enabled"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode config payload: %w", err)
		}
		return gradEngine.UpdateConfig(context.Background(), admin, model.GraduationConfig{
			MarketCapThreshold:  req.MarketCapThreshold,
			LiquidityThreshold:  req.LiquidityThreshold,
			MinLockDuration:     time.Duration(req.MinLockDurationSecs) * time.Second,
			SlippageToleranceBp: req.SlippageToleranceBp,
			AutoGraduateEnabled: req.AutoGraduateEnabled,
		})
	}
	govEngine, err := governance.NewEngine(st, roles, guards.Emergency, recorder, govParams, executor)
	if err != nil {
		slog.Error("invalid governance params", "err", err)
		os.Exit(1)
	}

	gradAPI := graduation.NewAPI(gradEngine)
	govAPI := governance.NewAPI(govEngine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"graduation-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live event stream.
		r.Get("/ws", hub.HandleWS)

		// Event log replay.
		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
			evs, err := st.ListEvents(r.Context(), since)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			if evs == nil {
				evs = []model.Event{}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(evs)
		})

		// Token lifecycle.
		r.Get("/tokens", gradAPI.ListTokens)
		r.Post("/tokens", gradAPI.RegisterToken)
		r.Get("/tokens/{address}", gradAPI.GetToken)
		r.Post("/tokens/{address}/curve", gradAPI.UpdateCurve)
		r.Get("/tokens/{address}/eligibility", gradAPI.CheckEligibility)
		r.Post("/tokens/{address}/graduate", gradAPI.Graduate)
		r.Get("/tokens/{address}/graduation", gradAPI.GetGraduation)
		r.Post("/tokens/{address}/unlock", gradAPI.Unlock)

		// Graduation configuration.
		r.Get("/config", gradAPI.GetConfig)
		r.Put("/config", gradAPI.UpdateConfig)
		r.Put("/config/lp-recipient", gradAPI.UpdateLPRecipient)

		// Safety controls.
		r.Get("/breaker", gradAPI.GetBreaker)
		r.Post("/breaker/trip", gradAPI.TripBreaker)
		r.Post("/breaker/reset", gradAPI.ResetBreaker)
		r.Post("/emergency/activate", gradAPI.ActivateEmergency)
		r.Post("/emergency/deactivate", gradAPI.DeactivateEmergency)

		// Role registry.
		r.Post("/roles/grant", gradAPI.GrantRole)
		r.Post("/roles/revoke", gradAPI.RevokeRole)
		r.Get("/roles/{principal}", gradAPI.ListRoles)

		// Governance agents.
		r.Get("/agents", govAPI.ListAgents)
		r.Post("/agents", govAPI.RegisterAgent)
		r.Get("/agents/{address}", govAPI.GetAgent)
		r.Post("/agents/{address}/verify", govAPI.VerifyAgent)
		r.Put("/agents/{address}/power", govAPI.UpdatePower)
		r.Put("/agents/{address}/active", govAPI.SetActive)

		// Voting proposals.
		r.Post("/proposals", govAPI.CreateProposal)
		r.Get("/proposals/{id}", govAPI.GetProposal)
		r.Post("/proposals/{id}/vote", govAPI.CastVote)
		r.Get("/proposals/{id}/quorum", govAPI.GetQuorum)
		r.Post("/proposals/{id}/execute", govAPI.ExecuteProposal)
		r.Post("/proposals/{id}/cancel", govAPI.CancelProposal)

		// Timelocked config proposals.
		r.Post("/config-proposals", govAPI.ProposeConfigChange)
		r.Get("/config-proposals/{id}", govAPI.GetConfigProposal)
		r.Post("/config-proposals/{id}/execute", govAPI.ExecuteConfigProposal)
		r.Post("/config-proposals/{id}/cancel", govAPI.CancelConfigProposal)

		// Governance parameters.
		r.Get("/params", govAPI.GetParams)
		r.Put("/params", govAPI.UpdateParams)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("graduation-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down graduation-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("graduation-engine stopped")
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer env var", "key", key)
	}
	return def
}

func envDecimal(key, def string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		slog.Warn("ignoring invalid decimal env var", "key", key)
	}
	return decimal.RequireFromString(def)
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration env var", "key", key)
	}
	return def
}
