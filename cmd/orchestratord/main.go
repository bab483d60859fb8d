package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agentorchestrator/internal/config"
	"github.com/swarmguard/agentorchestrator/internal/core/logging"
	"github.com/swarmguard/agentorchestrator/internal/core/otelinit"
	"github.com/swarmguard/agentorchestrator/internal/core/resilience"
	"github.com/swarmguard/agentorchestrator/internal/orchestrator"
)

// submitRequest is the wire shape accepted by POST /v1/tasks.
type submitRequest struct {
	Type                 string            `json:"type"`
	Priority             string            `json:"priority"`
	Description          string            `json:"description"`
	Files                []string          `json:"files"`
	Dependencies         []string          `json:"dependencies"`
	Context              map[string]string `json:"context"`
	Metadata             map[string]any    `json:"metadata"`
	EstimatedDurationSec int               `json:"estimated_duration_sec"`
}

func main() {
	service := "orchestratord"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	cfgPath := os.Getenv("AGENT_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	locks := orchestrator.NewLockManager()
	retry := orchestrator.NewRetryEngine(toOrchestratorRetryConfig(cfg))

	workers := buildWorkers(cfg, locks, retry)

	transport, err := buildTransport(cfg)
	if err != nil {
		slog.Error("transport init failed", "error", err)
		os.Exit(1)
	}

	var audit *orchestrator.AuditSink
	if cfg.AuditDBPath != "" {
		audit, err = orchestrator.NewAuditSink(cfg.AuditDBPath)
		if err != nil {
			slog.Error("audit sink init failed", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
	}

	orchCfg := orchestrator.Config{
		ConflictResolutionStrategy: orchestrator.ConflictResolutionStrategy(cfg.ConflictResolutionStrategy),
		MaxConcurrentTasks:         cfg.MaxConcurrentTasks,
		TaskQueueSize:              cfg.TaskQueueSize,
		LeaseDuration:              time.Duration(cfg.LeaseDurationMs) * time.Millisecond,
		CascadeOnFailure:           cfg.CascadeOnFailure,
		LeaseSweepInterval:         time.Duration(cfg.LeaseSweepIntervalMs) * time.Millisecond,
		EventRingSize:              cfg.EventRingSize,
		RetryConfig:                toOrchestratorRetryConfig(cfg),
		SubmitRateLimiter:          resilience.NewRateLimiter(int64(cfg.TaskQueueSize), float64(cfg.MaxConcurrentTasks), time.Second, int64(cfg.MaxConcurrentTasks)*4),
		Transport:                  transport,
	}

	logger := slog.Default()
	o := orchestrator.New(orchCfg, locks, workers, audit, logger)

	meter := otel.GetMeterProvider().Meter(service)
	submitErrors, _ := meter.Int64Counter("agentorch_http_submit_errors_total")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		handleTasks(w, r, o, submitErrors)
	})
	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		handleTaskByID(w, r, o)
	})
	mux.HandleFunc("/v1/workers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, o.WorkerStatuses())
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		since := uint64(0)
		if raw := r.URL.Query().Get("since"); raw != "" {
			if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
				since = parsed
			}
		}
		writeJSON(w, http.StatusOK, o.Events(since))
	})

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	addr := os.Getenv("ORCH_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("service started", "addr", addr, "workers", len(workers))
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	o.Shutdown(10 * time.Second)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func handleTasks(w http.ResponseWriter, r *http.Request, o *orchestrator.Orchestrator, submitErrors metric.Int64Counter) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, o.AllTasks())
	case http.MethodPost:
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		draft := orchestrator.TaskDraft{
			Type:              orchestrator.TaskType(req.Type),
			Priority:          orchestrator.Priority(req.Priority),
			Description:       req.Description,
			Files:             req.Files,
			Context:           req.Context,
			Metadata:          req.Metadata,
			EstimatedDuration: time.Duration(req.EstimatedDurationSec) * time.Second,
		}
		deps := make([]orchestrator.TaskID, 0, len(req.Dependencies))
		for _, d := range req.Dependencies {
			deps = append(deps, orchestrator.TaskID(d))
		}
		id, err := o.SubmitWithDependencies(draft, deps)
		if err != nil {
			submitErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("code", string(orchestrator.Code(err)))))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func handleTaskByID(w http.ResponseWriter, r *http.Request, o *orchestrator.Orchestrator) {
	id := orchestrator.TaskID(r.URL.Path[len("/v1/tasks/"):])
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		task, err := o.Status(id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := o.Cancel(id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toOrchestratorRetryConfig(cfg *config.Config) orchestrator.RetryConfig {
	rc := cfg.Retry
	codes := make([]orchestrator.ErrorCode, 0, len(rc.RetryableErrorCodes))
	for _, c := range rc.RetryableErrorCodes {
		codes = append(codes, orchestrator.ErrorCode(c))
	}
	return orchestrator.RetryConfig{
		MaxRetries:          cfg.Worker.MaxRetries,
		BaseDelay:           time.Duration(rc.BaseDelayMs) * time.Millisecond,
		MaxDelay:            time.Duration(rc.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier:   rc.BackoffMultiplier,
		RetryableErrorCodes: codes,
	}
}

// natsMessageSubject is the single subject the scheduler publishes
// assign/complete/error/conflict Messages on and subscribes to when
// NATSTransport backs its Transport.
const natsMessageSubject = "agentorchestrator.messages"

// buildTransport backs the scheduler's Transport with NATS when an operator
// points it at a broker, or the in-process default otherwise.
func buildTransport(cfg *config.Config) (orchestrator.Transport, error) {
	if cfg.NATSURL == "" {
		return orchestrator.NewInProcessTransport(256), nil
	}
	return orchestrator.NewNATSTransport(cfg.NATSURL, natsMessageSubject)
}

// buildWorkers constructs the fixed archetype set from the worker pool
// settings; the file-pattern/language routing below is the daemon's
// stand-in for an operator-supplied capability manifest.
func buildWorkers(cfg *config.Config, locks *orchestrator.LockManager, retry *orchestrator.RetryEngine) []orchestrator.Worker {
	maxConc := cfg.Worker.MaxConcurrentTasks
	if maxConc <= 0 {
		maxConc = 4
	}

	codeCap := orchestrator.Capability{
		Name:               "code",
		FilePatterns:       []string{"**/*.go", "**/*.ts", "**/*.tsx", "**/*.py", "**/*.js"},
		TaskTypes:          map[orchestrator.TaskType]struct{}{orchestrator.TaskTypeCode: {}, orchestrator.TaskTypeRefactor: {}},
		Languages:          []string{"go", "typescript", "python", "javascript"},
		MaxConcurrentTasks: maxConc,
	}
	testCap := orchestrator.Capability{
		Name:               "test",
		FilePatterns:       []string{"**/*_test.go", "**/*.test.ts", "**/*.spec.ts", "**/test_*.py"},
		TaskTypes:          map[orchestrator.TaskType]struct{}{orchestrator.TaskTypeTest: {}},
		MaxConcurrentTasks: maxConc,
	}
	docsCap := orchestrator.Capability{
		Name:               "docs",
		FilePatterns:       []string{"**/*.md", "**/*.mdx", "**/*.rst"},
		TaskTypes:          map[orchestrator.TaskType]struct{}{orchestrator.TaskTypeDocs: {}},
		MaxConcurrentTasks: maxConc,
	}
	reviewCap := orchestrator.Capability{
		Name:               "review",
		FilePatterns:       []string{"**"},
		TaskTypes:          map[orchestrator.TaskType]struct{}{orchestrator.TaskTypeReview: {}},
		MaxConcurrentTasks: maxConc,
	}
	refactorCap := orchestrator.Capability{
		Name:               "refactor",
		FilePatterns:       []string{"**/*.go", "**/*.ts", "**/*.py"},
		TaskTypes:          map[orchestrator.TaskType]struct{}{orchestrator.TaskTypeRefactor: {}},
		MaxConcurrentTasks: maxConc,
	}

	return []orchestrator.Worker{
		&orchestrator.CodeWorker{BaseWorker: orchestrator.NewBaseWorker("code-1", codeCap, locks, retry, noopExecutor{})},
		&orchestrator.TestWorker{BaseWorker: orchestrator.NewBaseWorker("test-1", testCap, locks, retry, noopExecutor{})},
		&orchestrator.DocsWorker{BaseWorker: orchestrator.NewBaseWorker("docs-1", docsCap, locks, retry, noopExecutor{})},
		&orchestrator.ReviewWorker{BaseWorker: orchestrator.NewBaseWorker("review-1", reviewCap, locks, retry, noopExecutor{})},
		&orchestrator.RefactorWorker{BaseWorker: orchestrator.NewBaseWorker("refactor-1", refactorCap, locks, retry, noopExecutor{})},
	}
}

// noopExecutor stands in for a real agent backend (an LLM-driven code
// editor, test runner, etc.) until one is wired in; it marks every task it
// is handed as successfully completed against its declared files.
type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, t *orchestrator.Task) (orchestrator.TaskResult, error) {
	return orchestrator.TaskResult{Status: orchestrator.ResultSuccess, FilesModified: t.Files}, nil
}
