// Package runtime assembles the interview daemon: bus, storage, completion
// service, speech service, capture manager and the HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/interview-buddy/internal/archive"
	"github.com/loqalabs/interview-buddy/internal/bus"
	"github.com/loqalabs/interview-buddy/internal/capture"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/interview"
	"github.com/loqalabs/interview-buddy/internal/llm"
	"github.com/loqalabs/interview-buddy/internal/media"
	"github.com/loqalabs/interview-buddy/internal/natsserver"
	"github.com/loqalabs/interview-buddy/internal/notify"
	"github.com/loqalabs/interview-buddy/internal/store"
	"github.com/loqalabs/interview-buddy/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *store.Store
	llm      *llm.Service
	stt      *stt.Service
	notifier *notify.AMQPNotifier
	manager  *interview.Manager
	api      *API
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.closeComponents()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	r.api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           withMiddleware(mux, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("llm_mode", r.cfg.LLM.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.closeComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if srv != nil {
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	generator, err := llm.NewGenerator(ctx, r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm backend: %w", err)
	}
	r.llm = llm.NewService(r.cfg.LLM, generator, r.logger)

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer)
		if err := r.stt.Start(); err != nil {
			return err
		}
	}

	opts := interview.ManagerOptions{
		Store:          r.store,
		Publisher:      r.bus,
		Capture:        captureConfig(r.cfg.Capture),
		Devices:        media.ForMode(r.cfg.Capture.Devices, r.bus),
		Engine:         stt.NewBusEngine(r.bus, r.cfg.STT),
		AnalyzeAnswers: r.cfg.Capture.AnalyzeAnswers,
		MaxActive:      r.cfg.Interview.MaxActive,
		Logger:         r.logger,
	}
	if r.cfg.Archive.Enabled {
		archiver, err := archive.NewS3Archiver(ctx, r.cfg.Archive, r.logger)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		opts.Archiver = archiver
	}
	if r.cfg.Notify.Enabled {
		r.notifier, err = notify.Dial(r.cfg.Notify, r.logger)
		if err != nil {
			return err
		}
		opts.Notifier = r.notifier
	}

	service := interview.NewService(r.llm, r.cfg.Interview.QuestionCount, r.logger)
	opts.Service = service
	r.manager = interview.NewManager(opts)
	r.api = NewAPI(service, r.manager, r.cfg.Environment, r.cfg.HTTP.MaxUploadMB, r.logger)
	return nil
}

// closeComponents releases whatever startComponents managed to create.
func (r *Runtime) closeComponents() {
	if r.manager != nil {
		r.manager.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.llm != nil {
		r.llm.Close()
	}
	r.notifier.Close()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func captureConfig(cfg config.CaptureConfig) capture.Config {
	out := capture.DefaultConfig()
	if cfg.CountdownSeconds > 0 {
		out.Countdown = cfg.CountdownSeconds
	}
	if cfg.TickMS > 0 {
		out.Tick = time.Duration(cfg.TickMS) * time.Millisecond
	}
	out.MaxRestarts = cfg.MaxRestarts
	if cfg.AnalysisTimeoutMS > 0 {
		out.AnalysisTimeout = time.Duration(cfg.AnalysisTimeoutMS) * time.Millisecond
	}
	return out
}

func (r *Runtime) healthy(ctx context.Context) error {
	if !r.ready.Load() {
		return errors.New("starting")
	}
	if !r.bus.Healthy() {
		return errors.New("bus disconnected")
	}
	if r.stt != nil && !r.stt.Healthy() {
		return errors.New("speech service not listening")
	}
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if err := r.healthy(req.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
