package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aigentsy/dealcore/pkg/config"
	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/engine"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/money"
	"github.com/aigentsy/dealcore/pkg/observability"
	"github.com/aigentsy/dealcore/pkg/party"
	"github.com/aigentsy/dealcore/pkg/psp"
	"github.com/aigentsy/dealcore/pkg/reconcile"
	"github.com/aigentsy/dealcore/pkg/store"
	"github.com/aigentsy/dealcore/pkg/timeout"
)

type server struct {
	engine  *engine.Engine
	repo    store.Repository
	sweeper *timeout.Sweeper
	secret  string
	log     zerolog.Logger
}

func runServer() int {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	sched, err := loadSchedule(cfg)
	if err != nil {
		log.Error().Err(err).Msg("fee schedule load failed")
		return 1
	}

	repo, cleanup, err := openRepository(cfg)
	if err != nil {
		log.Error().Err(err).Msg("repository init failed")
		return 1
	}
	defer cleanup()

	parties := openPartyStore(cfg)
	led := ledger.New(parties)

	var gateway psp.Gateway
	if cfg.PSPBaseURL != "" {
		gateway = psp.NewHTTPGateway(cfg.PSPBaseURL, cfg.PSPAPIKey)
	} else {
		log.Warn().Msg("PSP_BASE_URL unset, using the in-memory stub gateway")
		gateway = psp.NewStubGateway()
	}

	eng := engine.New(repo, led, gateway, sched, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryEnabled {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "dealcore",
			ServiceVersion: "1.0.0",
			Environment:    "production",
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("telemetry init failed")
			return 1
		}
		defer func() { _ = obs.Shutdown(context.Background()) }()
		eng.WithObservability(obs)
	}

	s := &server{
		engine: eng,
		repo:   repo,
		secret: cfg.WebhookSecret,
		log:    log,
	}

	if sched.AutoReleaseEnable {
		policy := timeout.NewPolicy(sched, led)
		// Proof of outcome is attested out of band; the sweeper holds deals
		// that require it and releases the rest.
		s.sweeper = timeout.NewSweeper(policy, repo, func(context.Context, *deal.Deal) bool {
			return false
		}, cfg.SweepInterval, log)
		go func() {
			if err := s.sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("sweeper stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", cfg.Port).Msg("dealcore listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server failed")
		return 1
	}
	return 0
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func loadSchedule(cfg *config.Config) (*feeschedule.Schedule, error) {
	if cfg.ScheduleFile == "" {
		return feeschedule.Default(), nil
	}
	return feeschedule.Load(cfg.ScheduleFile)
}

func openRepository(cfg *config.Config) (store.Repository, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		repo, err := store.OpenPostgres(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	case cfg.SQLitePath != "":
		repo, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return store.NewMemoryRepository(), func() {}, nil
	}
}

func openPartyStore(cfg *config.Config) party.Store {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return party.NewRedisStore(client, "USD")
	}
	return party.NewMemoryStore("USD")
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/deals", s.handleCreateDeal)
	mux.HandleFunc("GET /v1/deals/{id}", s.handleGetDeal)
	mux.HandleFunc("GET /v1/deals/{id}/summary", s.handleGetSummary)
	mux.HandleFunc("GET /v1/deals/{id}/timeline", s.handleGetTimeline)

	mux.HandleFunc("POST /v1/deals/{id}/accept", s.handleAccept)
	mux.HandleFunc("POST /v1/deals/{id}/escrow", s.handleAuthorizeEscrow)
	mux.HandleFunc("POST /v1/deals/{id}/bonds", s.handleStakeBonds)
	mux.HandleFunc("POST /v1/deals/{id}/start", s.handleStartWork)
	mux.HandleFunc("POST /v1/deals/{id}/deliver", s.handleMarkDelivered)
	mux.HandleFunc("POST /v1/deals/{id}/settle", s.handleSettle)
	mux.HandleFunc("POST /v1/deals/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/deals/{id}/dispute", s.handleRaiseDispute)
	mux.HandleFunc("POST /v1/deals/{id}/resolve", s.handleResolveDispute)

	mux.HandleFunc("POST /v1/webhooks/psp", s.handleWebhook)

	return mux
}

type createDealBody struct {
	IntentID          string           `json:"intent_id"`
	Buyer             string           `json:"buyer"`
	LeadAgent         string           `json:"lead_agent"`
	SLOTier           string           `json:"slo_tier"`
	JobValueMinor     int64            `json:"job_value_minor"`
	Currency          string           `json:"currency"`
	JVPartners        []deal.JVPartner `json:"jv_partners,omitempty"`
	IPAssets          []deal.IPAsset   `json:"ip_assets,omitempty"`
	BondRequiredMinor int64            `json:"bond_required_minor,omitempty"`
	Deadline          *time.Time       `json:"deadline,omitempty"`
}

func (s *server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var body createDealBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if body.Currency == "" {
		body.Currency = "USD"
	}

	req := engine.CreateDealRequest{
		IntentID:     body.IntentID,
		Buyer:        body.Buyer,
		LeadAgent:    body.LeadAgent,
		SLOTier:      body.SLOTier,
		JobValue:     money.New(body.JobValueMinor, body.Currency),
		JVPartners:   body.JVPartners,
		IPAssets:     body.IPAssets,
		BondRequired: money.New(body.BondRequiredMinor, body.Currency),
		Deadline:     body.Deadline,
	}
	d, err := s.engine.CreateDeal(r.Context(), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDeal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.GetDealSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := s.engine.GetTimeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	d, err := s.engine.Accept(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleAuthorizeEscrow(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.AuthorizeEscrow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleStakeBonds(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stakes []struct {
			Party       string `json:"party"`
			AmountMinor int64  `json:"amount_minor"`
			Currency    string `json:"currency"`
		} `json:"stakes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	stakes := make([]ledger.StakeRequest, 0, len(body.Stakes))
	for _, st := range body.Stakes {
		currency := st.Currency
		if currency == "" {
			currency = "USD"
		}
		stakes = append(stakes, ledger.StakeRequest{
			Party:  st.Party,
			Amount: money.New(st.AmountMinor, currency),
		})
	}
	d, err := s.engine.StakeBonds(r.Context(), r.PathValue("id"), stakes)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Deadline *time.Time `json:"deadline"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	d, err := s.engine.StartWork(r.Context(), r.PathValue("id"), body.Deadline)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	d, err := s.engine.MarkDelivered(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleSettle(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Settle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	d, err := s.engine.Cancel(r.Context(), r.PathValue("id"), body.Actor, body.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RaisedBy string `json:"raised_by"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	d, err := s.engine.RaiseDispute(r.Context(), r.PathValue("id"), body.RaisedBy, body.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
		Severity   string `json:"severity"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	d, err := s.engine.ResolveDispute(r.Context(), r.PathValue("id"),
		engine.Resolution(body.Resolution), ledger.Severity(body.Severity))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleWebhook verifies the provider signature before touching any deal.
// The deal id rides in the event object.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, s.log, fmt.Errorf("read body: %w", err))
		return
	}

	event, err := psp.ParseEvent([]byte(s.secret), payload, r.Header.Get("X-Signature"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	dealID, _ := event.Data.Object["deal_id"].(string)
	if dealID == "" {
		writeError(w, s.log, fmt.Errorf("%w: missing deal_id", reconcile.ErrInvalidPayload))
		return
	}

	res, err := s.engine.HandleWebhook(r.Context(), dealID, event)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty body means all-default fields
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("malformed request body")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, deal.ErrInvalidStateTransition),
		errors.Is(err, deal.ErrTerminalState),
		errors.Is(err, deal.ErrDealAlreadySettled),
		errors.Is(err, ledger.ErrInvalidStateForAction),
		errors.Is(err, ledger.ErrCaptureExceedsAuthorization):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, deal.ErrInvalidJobValue),
		errors.Is(err, reconcile.ErrInvalidPayload),
		errors.Is(err, engine.ErrUnknownResolution):
		status = http.StatusBadRequest
	case errors.Is(err, party.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, psp.ErrBadSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, psp.ErrGatewayDeclined):
		status = http.StatusPaymentRequired
	case errors.Is(err, psp.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
