// Command runtime wires the capability catalog, retriever, reliability
// kernel, task runner, verifier, and job queue into an HTTP control API.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alabobai/capability-runtime/catalog"
	"github.com/alabobai/capability-runtime/core"
	"github.com/alabobai/capability-runtime/jobqueue"
	"github.com/alabobai/capability-runtime/retriever"
	"github.com/alabobai/capability-runtime/runner"
	"github.com/alabobai/capability-runtime/telemetry"
	"github.com/alabobai/capability-runtime/verifier"
)

func main() {
	logger := core.NewProductionLogger(
		core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		core.DevelopmentConfig{DebugLogging: os.Getenv(core.EnvDevMode) == "true"},
		"capability-runtime",
	)

	if os.Getenv(core.EnvTelemetryEnabled) == "true" {
		if err := telemetry.Initialize(telemetry.Config{
			Enabled:     true,
			ServiceName: "capability-runtime",
			Provider:    "otel",
		}); err != nil {
			logger.Warn("telemetry initialization failed, continuing without it", map[string]interface{}{"error": err.Error()})
		}
	}

	manifestPath := os.Getenv(core.EnvCapabilityManifestPath)
	if manifestPath == "" {
		manifestPath = "./capabilities.yaml"
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		log.Fatalf("failed to read capability manifest %s: %v", manifestPath, err)
	}
	capabilities, err := catalog.ParseCapabilityManifest(data)
	if err != nil {
		log.Fatalf("failed to parse capability manifest: %v", err)
	}
	cat, err := catalog.New(capabilities)
	if err != nil {
		log.Fatalf("failed to build capability catalog: %v", err)
	}
	logger.Info("capability catalog loaded", map[string]interface{}{"count": cat.Len()})

	ret := retriever.New(cat)
	ret.SetLogger(logger)

	origin := os.Getenv("RUNTIME_ORIGIN")
	if origin == "" {
		origin = "http://localhost:8080"
	}

	taskCfg := runner.LoadConfigFromEnv()
	store := runner.NewStore(taskCfg.StorePath, taskCfg.EventsPath, taskCfg.MaxPersistedRuns, taskCfg.PersistDebounce)
	store.SetLogger(logger)

	dispatch := runner.NewDispatchClient(taskCfg.StepTimeout)
	dispatch.SetLogger(logger)
	if os.Getenv(core.EnvTelemetryEnabled) == "true" {
		dispatch.SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	}

	localTable := runner.NewLocalDispatchTable()

	ver := verifier.New()
	ver.SetLogger(logger)

	taskRunner := runner.New(ret, store, dispatch, localTable, ver, origin, taskCfg)
	taskRunner.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := taskRunner.Start(ctx); err != nil {
		log.Fatalf("failed to start task runner: %v", err)
	}
	defer taskRunner.Stop()

	jobCfg := jobqueue.LoadConfigFromEnv()
	jobStore := jobqueue.NewFileStore(jobCfg.StorePath, 80*time.Millisecond)
	jobQueue := jobqueue.New(jobStore, jobCfg)
	jobQueue.SetLogger(logger)
	if err := jobQueue.Start(ctx); err != nil {
		log.Fatalf("failed to start job queue: %v", err)
	}
	defer jobQueue.Stop()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				jobQueue.KickQueue()
			}
		}
	}()

	mux := newMux(taskRunner, jobQueue)
	var handler http.Handler = mux
	if os.Getenv(core.EnvTelemetryEnabled) == "true" {
		handler = otelhttp.NewHandler(mux, "capability-runtime")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{Addr: ":" + port, Handler: handler}

	go func() {
		logger.Info("runtime listening", map[string]interface{}{"port": port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("runtime shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

func newMux(taskRunner *runner.Runner, jobQueue *jobqueue.Queue) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Task    string                 `json:"task"`
				Context map[string]interface{} `json:"context"`
				DryRun  bool                   `json:"dryRun"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			run, err := taskRunner.Submit(req.Task, req.Context, req.DryRun, callerOrigin(r), 0)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusCreated, run)
		case http.MethodGet:
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, taskRunner.ListRuns(limit))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		id, action := splitRunPath(r.URL.Path)
		switch {
		case action == "" && r.Method == http.MethodGet:
			run, ok := taskRunner.GetRun(id)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, run)
		case action == "pause" && r.Method == http.MethodPost:
			run, err := taskRunner.PauseRun(id)
			respondRunMutation(w, run, err)
		case action == "resume" && r.Method == http.MethodPost:
			run, err := taskRunner.ResumeRun(id, callerOrigin(r))
			respondRunMutation(w, run, err)
		case action == "retry" && r.Method == http.MethodPost:
			run, err := taskRunner.RetryRun(id, callerOrigin(r))
			respondRunMutation(w, run, err)
		case action == "wait" && r.Method == http.MethodGet:
			timeoutMs, _ := strconv.Atoi(r.URL.Query().Get("timeoutMs"))
			timeout := time.Duration(timeoutMs) * time.Millisecond
			run, err := taskRunner.WaitForRun(r.Context(), id, timeout)
			respondRunMutation(w, run, err)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Type    jobqueue.JobType       `json:"type"`
			Payload map[string]interface{} `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		job, err := jobQueue.SubmitJob(req.Type, req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/jobs/"):]
		job, ok := jobQueue.GetJob(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	return mux
}

func splitRunPath(path string) (id, action string) {
	rest := path[len("/runs/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func respondRunMutation(w http.ResponseWriter, run *runner.TaskRun, err error) {
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func callerOrigin(r *http.Request) string {
	if origin := r.Header.Get("X-Caller-Origin"); origin != "" {
		return origin
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
