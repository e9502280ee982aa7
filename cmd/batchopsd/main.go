// cmd/batchopsd/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchops/internal/api"
	"batchops/internal/clock"
	"batchops/internal/config"
	"batchops/internal/domain"
	"batchops/internal/incident"
	"batchops/internal/infra/etcd"
	"batchops/internal/infra/postgres"
	"batchops/internal/ingest"
	"batchops/internal/pipeline"
	"batchops/internal/registry"
	"batchops/internal/scheduler"
	"batchops/internal/service"
	"batchops/internal/storage"
	"batchops/internal/tracing"
	"batchops/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("batchopsd")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	log.Println("Starting batchopsd...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := uuid.New().String()
	log.Printf("Node ID: %s", nodeID)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}
	defer etcdClient.Close()
	log.Println("Connected to etcd.")

	pool, err := postgres.NewPool(rootCtx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(rootCtx, pool); err != nil {
		log.Fatalf("Failed to ensure postgres schema: %v", err)
	}
	log.Println("Connected to postgres.")

	root, err := storage.NewRoot(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("Failed to open storage root: %v", err)
	}

	zone, err := time.LoadLocation(cfg.ReferenceZone)
	if err != nil {
		log.Fatalf("Failed to load reference zone %s: %v", cfg.ReferenceZone, err)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	jobRunRepo := postgres.NewJobRunRepo(pool)
	uploadRepo := postgres.NewUploadRepo(pool)
	deptRepo := postgres.NewDepartmentRecordRepo(pool)
	knownErrRepo := postgres.NewKnownErrorRepo(pool)
	incidentRepo := postgres.NewIncidentRepo(pool)
	ticketRepo := postgres.NewTicketRepo(pool)
	finalizer := postgres.NewFinalizer(pool)

	if err := incident.SeedKnownErrors(rootCtx, knownErrRepo, time.Now); err != nil {
		log.Fatalf("Failed to seed known error catalog: %v", err)
	}

	// etcd-backed distributed primitives
	scheduleRegistry := etcd.NewEtcdScheduleRegistry(etcdClient, logger, zone)
	queue := etcd.NewEtcdQueue(etcdClient, logger)
	locker := etcd.NewEtcdLocker(etcdClient)
	election := etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.SchedulerLockTTL, logger)

	jobService := service.NewJobService(jobRepo, jobRunRepo, scheduleRegistry, logger)

	// The well-known pipeline Job every ingested Upload is enqueued against.
	pipelineJob, err := jobService.Get(rootCtx, cfg.PipelineJobName)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			log.Fatalf("Failed to look up pipeline job: %v", err)
		}
		pipelineJob = &domain.Job{
			Name:   cfg.PipelineJobName,
			Config: domain.JobConfig{Callable: "pipeline.results"},
		}
		if err := jobService.Save(rootCtx, pipelineJob); err != nil {
			log.Fatalf("Failed to create pipeline job: %v", err)
		}
	}

	matcher := incident.NewMatcher(knownErrRepo)
	incidentWriter := incident.NewWriter(incidentRepo, ticketRepo, matcher, queue, clock.System)
	executor := pipeline.NewExecutor(pipelineJob.ID, uploadRepo, jobRunRepo, finalizer, root, incidentWriter, clock.System, cfg.StageTimeout)

	ingestGenerator := ingest.NewGenerator(pipelineJob.ID, deptRepo, uploadRepo, root, queue, clock.System, cfg.IngestBatchLimit)
	allDeptGenerator := ingest.NewAllDepartmentsGenerator(deptRepo, ingestGenerator)

	callables := registry.New()
	callables.Register("pipeline.results", domain.CallableFunc(executor.Run))
	callables.Register("ingest.department_records", domain.CallableFunc(ingestGenerator.Invoke))
	callables.Register("ingest.all_departments", allDeptGenerator)

	// Apply any declarative Job definitions staged for boot.
	validate := api.NewValidator()
	defs, err := api.LoadJobDefinitions(cfg.JobDefinitionsFile, validate)
	if err != nil {
		log.Fatalf("Failed to load job definitions: %v", err)
	}
	for _, def := range defs {
		if err := jobService.Save(rootCtx, def.ToDomainJob()); err != nil {
			log.Fatalf("Failed to save declared job %s: %v", def.Name, err)
		}
	}
	if err := jobService.Reconcile(rootCtx); err != nil {
		log.Fatalf("Failed to reconcile schedule registry on boot: %v", err)
	}

	cronScheduler := scheduler.New(election, scheduleRegistry, queue, cfg.SchedulerTick, clock.System, logger)
	go func() {
		if err := cronScheduler.Start(rootCtx); err != nil && err != context.Canceled {
			log.Printf("scheduler stopped with error: %v", err)
		}
	}()

	workerPool := worker.New(cfg.WorkerPoolSize, queue, jobRepo, jobRunRepo, callables, locker, cfg.QueueLeaseTTL, 2*time.Second, logger)
	go func() {
		if err := workerPool.Start(rootCtx); err != nil && err != context.Canceled {
			log.Printf("worker pool stopped with error: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	log.Printf("Starting HTTP server on %s", cfg.MetricsListenAddr)
	server := &http.Server{
		Addr:    cfg.MetricsListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("Shutting down batchopsd gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown failed: %v", err)
	}

	log.Println("batchopsd shut down.")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
