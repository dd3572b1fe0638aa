package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/keelhq/forge/pkg/builder"
	"github.com/keelhq/forge/pkg/config"
	"github.com/keelhq/forge/pkg/contextroot"
	"github.com/keelhq/forge/pkg/oci"
	"github.com/keelhq/forge/pkg/pip"
	"github.com/keelhq/forge/pkg/queue"
	"github.com/keelhq/forge/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "forge-buildworker")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	q, err := queue.NewQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("build queue init failed: %v", err)
	}
	defer q.Close()

	cache, err := builder.NewLayerCache(cfg.CacheDir)
	if err != nil {
		log.Fatalf("layer cache init failed: %v", err)
	}
	store, err := oci.NewLayoutStore(cfg.StoreDir)
	if err != nil {
		log.Fatalf("image store init failed: %v", err)
	}

	engine := builder.NewEngine(
		oci.NewRemoteResolver(),
		pip.NewCLIInstaller(cfg.PythonBin),
		builder.WithLayerCache(cache),
		builder.WithLayoutStore(store),
	)

	var pgStore *builder.PostgresStore
	if cfg.DatabaseURL != "" {
		pgStore, err = builder.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("worker postgres init failed: %v", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				log.Printf("worker postgres close error: %v", err)
			}
		}()
	}

	log.Printf("build worker %s started", cfg.WorkerID)
	for {
		if err := ctx.Err(); err != nil {
			log.Println("build worker stopped")
			return
		}

		job, err := q.Dequeue(ctx, cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("build worker stopped")
				return
			}
			log.Printf("dequeue error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if job == nil {
			continue
		}

		runJob(ctx, engine, q, pgStore, job)
	}
}

func runJob(ctx context.Context, engine *builder.Engine, q *queue.Queue, pgStore *builder.PostgresStore, job *queue.Job) {
	log.Printf("build %s started (base %s)", job.ID, job.Spec.BaseImage)

	now := time.Now().UTC()
	record := builder.Build{
		ID:         job.ID,
		ContextDir: job.ContextDir,
		Spec:       job.Spec,
		Tag:        job.Tag,
		Status:     builder.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if pgStore != nil {
		if err := pgStore.Create(record); err != nil {
			log.Printf("persist build failed: %v", err)
		}
	}

	prog := builder.Progress{
		State: func(st builder.Status) {
			if pgStore == nil {
				return
			}
			var finishedAt *time.Time
			if st.Terminal() {
				t := time.Now().UTC()
				finishedAt = &t
			}
			if err := pgStore.UpdateStatus(job.ID, st, finishedAt, ""); err != nil {
				log.Printf("postgres status error: %v", err)
			}
		},
		Log: func(format string, args ...any) {
			line := fmt.Sprintf(format, args...)
			log.Printf("build %s: %s", job.ID, line)
			if pgStore != nil {
				if err := pgStore.AppendLog(job.ID, line); err != nil {
					log.Printf("persist log error: %v", err)
				}
			}
		},
	}

	contextDir, err := contextroot.ResolveLocal(job.ContextDir)
	if err == nil {
		var res builder.Result
		res, err = engine.Build(ctx, job.ID, contextDir, job.Spec, prog)
		if err == nil {
			if pgStore != nil {
				if err := pgStore.SetImage(job.ID, res.Digest.String(), res.LayoutPath); err != nil {
					log.Printf("postgres image record error: %v", err)
				}
			}
			if err := q.Complete(ctx, job.ID, res.Digest.String()); err != nil {
				log.Printf("complete job error: %v", err)
			}
			log.Printf("build %s committed: %s", job.ID, res.Digest)
			return
		}
	}

	if pgStore != nil {
		t := time.Now().UTC()
		if updateErr := pgStore.UpdateStatus(job.ID, builder.StatusFailed, &t, err.Error()); updateErr != nil {
			log.Printf("postgres status error: %v", updateErr)
		}
	}
	if failErr := q.Fail(ctx, job.ID, err.Error()); failErr != nil {
		log.Printf("fail job error: %v", failErr)
	}
	log.Printf("build %s failed: %v", job.ID, err)
}
