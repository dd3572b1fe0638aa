package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/keelhq/forge/pkg/apitypes"
	"github.com/keelhq/forge/pkg/auth"
	"github.com/keelhq/forge/pkg/builder"
	"github.com/keelhq/forge/pkg/config"
	"github.com/keelhq/forge/pkg/contextroot"
	"github.com/keelhq/forge/pkg/notify"
	"github.com/keelhq/forge/pkg/oci"
	"github.com/keelhq/forge/pkg/pip"
	"github.com/keelhq/forge/pkg/queue"
	"github.com/keelhq/forge/pkg/registry"
	"github.com/keelhq/forge/pkg/telemetry"
)

// buildQueue is the slice of the redis queue the API needs: dispatching
// jobs and reading back the progress workers record on them.
type buildQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Length(ctx context.Context) (int64, error)
}

type server struct {
	cfg      config.BuilderConfig
	engine   *builder.Engine
	memStore *builder.MemStore
	pgStore  *builder.PostgresStore
	tags     *registry.TagStore
	queue    buildQueue
	notifier *notify.Client
}

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "forge-builder")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	cache, err := builder.NewLayerCache(cfg.CacheDir)
	if err != nil {
		log.Fatalf("layer cache init failed: %v", err)
	}
	store, err := oci.NewLayoutStore(cfg.StoreDir)
	if err != nil {
		log.Fatalf("image store init failed: %v", err)
	}

	srv := &server{
		cfg: cfg,
		engine: builder.NewEngine(
			oci.NewRemoteResolver(),
			pip.NewCLIInstaller(cfg.PythonBin),
			builder.WithLayerCache(cache),
			builder.WithLayoutStore(store),
		),
		memStore: builder.NewMemStore(),
		tags:     registry.New(),
	}

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg, err := builder.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("builder postgres init failed: %v", err)
		}
		srv.pgStore = pg
		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("builder postgres close error: %v", err)
			}
		}()
	}

	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		q, err := queue.NewQueue(redisURL)
		if err != nil {
			log.Fatalf("build queue init failed: %v", err)
		}
		srv.queue = q
		defer q.Close()
	}

	if hook := strings.TrimSpace(cfg.WebhookURL); hook != "" {
		srv.notifier = notify.NewClient(hook)
	}

	router := newRouter(srv, cfg.APIKeys)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("builder shutdown error: %v", err)
		}
	}()

	log.Printf("builder service listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("builder service failed: %v", err)
	}
	log.Println("builder service stopped")
}

func newRouter(srv *server, apiKeys []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(apiKeys))
		r.Post("/builds", srv.handleCreateBuild)
		r.Get("/builds", srv.handleListBuilds)
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", srv.handleGetBuild)
			r.Get("/logs", srv.handleStreamLogs)
		})
		r.Get("/tags", srv.handleListTags)
	})
	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if s.queue != nil {
		if depth, err := s.queue.Length(r.Context()); err == nil {
			payload["queue_depth"] = depth
		}
	}
	respondJSON(w, payload, http.StatusOK)
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var payload builder.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload", "")
		return
	}

	if payload.ContextDir == "" && payload.ContextHost == "" {
		respondError(w, http.StatusBadRequest, "context_dir or context_host is required", "")
		return
	}
	spec := payload.Spec
	if spec.BaseImage == "" {
		spec.BaseImage = s.cfg.DefaultBase
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), string(builder.KindConfig))
		return
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	build := builder.Build{
		ID:         id,
		ContextDir: payload.ContextDir,
		Spec:       spec,
		Tag:        payload.Tag,
		Status:     builder.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.memStore.Create(build)
	if s.pgStore != nil {
		if err := s.pgStore.Create(build); err != nil {
			log.Printf("persist build failed: %v", err)
		}
	}

	envelope := apitypes.SubmissionEnvelope{
		BuildID:   id,
		StatusURL: fmt.Sprintf("/api/builds/%s", id),
		LogsURL:   fmt.Sprintf("/api/builds/%s/logs", id),
	}

	// Local contexts can be handed to a worker pool when a queue is
	// configured; remote contexts are fetched and built in-process.
	if s.queue != nil && payload.ContextHost == "" {
		job := &queue.Job{
			ID:         id,
			ContextDir: payload.ContextDir,
			Spec:       spec,
			Tag:        payload.Tag,
		}
		if err := s.queue.Enqueue(r.Context(), job); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue build: %v", err), "")
			return
		}
		s.appendLog(id, "build handed to worker queue")
		respondJSON(w, envelope, http.StatusAccepted)
		return
	}

	respondJSON(w, envelope, http.StatusAccepted)

	go s.runBuild(build, payload)
}

func (s *server) runBuild(build builder.Build, payload builder.CreateRequest) {
	ctx := context.Background()
	s.appendLog(build.ID, fmt.Sprintf("build queued for %s", build.Spec.BaseImage))

	contextDir, cleanup, err := s.resolveContext(ctx, payload)
	if err != nil {
		s.failBuild(build.ID, fmt.Sprintf("resolve build context: %v", err))
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	prog := builder.Progress{
		State: func(st builder.Status) { s.updateStatus(build.ID, st, "") },
		Log:   func(format string, args ...any) { s.appendLog(build.ID, fmt.Sprintf(format, args...)) },
	}

	res, err := s.engine.Build(ctx, build.ID, contextDir, build.Spec, prog)
	if err != nil {
		s.updateStatus(build.ID, builder.StatusFailed, err.Error())
		s.memStore.CloseSubscribers(build.ID)
		s.notifyFinished(build.ID)
		return
	}

	s.recordImage(build.ID, res)
	if build.Tag != "" {
		s.tags.Set(registry.Entry{
			Tag:        build.Tag,
			Digest:     res.Digest.String(),
			LayoutPath: res.LayoutPath,
		})
		s.appendLog(build.ID, fmt.Sprintf("tagged %s -> %s", build.Tag, res.Digest))
	}
	if s.cfg.PushOnCommit && build.Tag != "" {
		if _, err := oci.Push(ctx, build.Tag, res.Image); err != nil {
			s.appendLog(build.ID, fmt.Sprintf("push failed: %v", err))
		} else {
			s.appendLog(build.ID, fmt.Sprintf("pushed %s", build.Tag))
		}
	}
	s.memStore.CloseSubscribers(build.ID)
	s.notifyFinished(build.ID)
}

// resolveContext returns a local directory holding the build context,
// fetching it over SFTP first when the request names a remote host.
func (s *server) resolveContext(ctx context.Context, payload builder.CreateRequest) (string, func(), error) {
	if payload.ContextHost == "" {
		dir, err := contextroot.ResolveLocal(payload.ContextDir)
		return dir, nil, err
	}

	tmp, err := os.MkdirTemp("", "forge-ctx-")
	if err != nil {
		return "", nil, err
	}
	spec := contextroot.RemoteSpec{
		Host:       payload.ContextHost,
		User:       payload.ContextUser,
		PrivateKey: payload.ContextKey,
		Path:       payload.ContextDir,
	}
	if err := contextroot.FetchRemote(ctx, spec, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", nil, err
	}
	return tmp, func() { os.RemoveAll(tmp) }, nil
}

func (s *server) recordImage(id string, res builder.Result) {
	if _, err := s.memStore.SetImage(id, res.Digest.String(), res.LayoutPath); err != nil {
		log.Printf("memory image record error: %v", err)
	}
	if s.pgStore != nil {
		if err := s.pgStore.SetImage(id, res.Digest.String(), res.LayoutPath); err != nil {
			log.Printf("postgres image record error: %v", err)
		}
	}
}

func (s *server) updateStatus(id string, status builder.Status, errMsg string) {
	if _, err := s.memStore.SetStatus(id, status, errMsg); err != nil {
		log.Printf("memory status error: %v", err)
	}
	if s.pgStore != nil {
		var finishedAt *time.Time
		if status.Terminal() {
			now := time.Now().UTC()
			finishedAt = &now
		}
		if err := s.pgStore.UpdateStatus(id, status, finishedAt, errMsg); err != nil {
			log.Printf("postgres status error: %v", err)
		}
	}
}

func (s *server) failBuild(id string, message string) {
	s.appendLog(id, message)
	s.updateStatus(id, builder.StatusFailed, message)
	s.memStore.CloseSubscribers(id)
	s.notifyFinished(id)
}

func (s *server) appendLog(id string, line string) {
	s.memStore.AppendLog(id, line)
	if s.pgStore != nil {
		if err := s.pgStore.AppendLog(id, line); err != nil {
			log.Printf("persist log error: %v", err)
		}
	}
}

func (s *server) notifyFinished(id string) {
	if s.notifier == nil {
		return
	}
	build, err := s.memStore.Get(id)
	if err != nil {
		log.Printf("webhook lookup error: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.notifier.BuildFinished(ctx, build); err != nil {
		log.Printf("webhook delivery failed for build %s: %v", id, err)
	}
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.pgStore != nil {
		builds, err := s.pgStore.List()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		respondJSON(w, apitypes.BuildListResponse{Builds: builds}, http.StatusOK)
		return
	}
	respondJSON(w, apitypes.BuildListResponse{Builds: s.memStore.List()}, http.StatusOK)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	build, err := s.memStore.Get(id)
	if err != nil && s.pgStore != nil {
		build, err = s.pgStore.Get(id)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	build = s.refreshFromQueue(r.Context(), build)
	respondJSON(w, apitypes.BuildResponse{Build: build}, http.StatusOK)
}

// refreshFromQueue reconciles a non-terminal build with its job record.
// Queue-dispatched builds are executed by workers, which report progress
// through the queue and PostgreSQL; the local memory record would otherwise
// stay pending forever.
func (s *server) refreshFromQueue(ctx context.Context, build builder.Build) builder.Build {
	if s.queue == nil || build.Status.Terminal() {
		return build
	}
	job, err := s.queue.Get(ctx, build.ID)
	if err != nil {
		return build
	}

	switch job.Status {
	case queue.StatusCompleted:
		build.Status = builder.StatusCommitted
		build.ImageDigest = job.ImageDigest
		if job.CompletedAt > 0 {
			build.FinishedAt = time.Unix(job.CompletedAt, 0).UTC()
		}
		if _, err := s.memStore.SetImage(build.ID, job.ImageDigest, ""); err == nil {
			if updated, err := s.memStore.SetStatus(build.ID, builder.StatusCommitted, ""); err == nil {
				build = updated
			}
		}
		s.memStore.CloseSubscribers(build.ID)
	case queue.StatusFailed:
		build.Status = builder.StatusFailed
		build.Error = job.Error
		if job.CompletedAt > 0 {
			build.FinishedAt = time.Unix(job.CompletedAt, 0).UTC()
		}
		if updated, err := s.memStore.SetStatus(build.ID, builder.StatusFailed, job.Error); err == nil {
			build = updated
		}
		s.memStore.CloseSubscribers(build.ID)
	}
	return build
}

func (s *server) handleListTags(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{"tags": s.tags.List()}, http.StatusOK)
}

func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.listLogs(w, id)
		return
	}
	ch, err := s.memStore.Subscribe(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	done := r.Context().Done()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// listLogs returns stored log lines as JSON. Queue-dispatched builds only
// log through workers, so PostgreSQL is consulted when the local record
// carries nothing.
func (s *server) listLogs(w http.ResponseWriter, id string) {
	lines, err := s.memStore.Logs(id)
	if (err != nil || len(lines) == 0) && s.pgStore != nil {
		if stored, pgErr := s.pgStore.ListLogs(id, 1000); pgErr == nil && len(stored) > 0 {
			respondJSON(w, map[string]any{"logs": stored}, http.StatusOK)
			return
		}
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	respondJSON(w, map[string]any{"logs": lines}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message, kind string) {
	respondJSON(w, apitypes.ErrorResponse{Error: message, Kind: kind}, status)
}
