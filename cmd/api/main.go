package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"athens-ptw.org/internal/event"
	"athens-ptw.org/internal/httpapi"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/offline"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/sched"
	"athens-ptw.org/internal/store/pg"
	"athens-ptw.org/internal/tenant"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// durable store: Postgres when a DSN is set, in-memory otherwise
	var (
		store    ptw.Store
		registry tenant.Registry
		dir      tenant.Directory
		admins   tenant.AdminDirectory
		ready    httpapi.ReadyProbe
	)
	if dsn := os.Getenv("ATHENS_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		reg := pg.NewRegistry(pgStore.DB())
		store, registry, dir, admins = pgStore, reg, reg, reg
		ready = httpapi.ReadyProbe{Ping: pgStore.DB().PingContext}
	} else {
		mem := ptw.NewMemStore()
		memReg := tenant.NewMemRegistry()
		seedDev(memReg)
		store, registry, dir, admins = mem, memReg, memReg, memReg
	}

	// fan-out plumbing: Redis when configured, in-process otherwise
	var (
		broker event.Broker
		queue  event.Queue
		dedupe event.Deduper
	)
	if addr := os.Getenv("ATHENS_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		broker = event.NewRedisBroker(rdb)
		queue = event.NewRedisQueue(rdb)
		dedupe = event.NewRedisDeduper(rdb)
	} else {
		broker = event.NewMemBroker()
		queue = event.NewMemQueue(1024)
		dedupe = event.NewMemDeduper()
	}

	events := event.NewMemEventStore()
	notifications := event.NewMemNotificationStore()
	subscriptions := event.NewMemSubscriptionStore()
	deliveries := event.NewMemDeliveryLog()

	notifier := event.NewNotifier(notifications, dedupe)
	dispatcher := event.NewDispatcher(events, broker, notifier, subscriptions, queue, dedupe)

	engine := ptw.NewEngine(store, ptw.WithSink(dispatcher))
	workflow := ptw.NewWorkflow(store, engine, dir)
	signatures := ptw.NewSignatureService(store)
	svc := ptw.NewService(store, engine, workflow, signatures)
	reconciler := offline.NewReconciler(store, svc)

	// webhook delivery workers
	worker := event.NewWorker(queue, subscriptions, events, deliveries)
	for i := 0; i < envInt("ATHENS_WEBHOOK_WORKERS", 2); i++ {
		go worker.Run(ctx)
	}

	// background jobs
	health := sched.NewHealth()
	scheduler := sched.New(health)
	sched.Register(scheduler, sched.Deps{
		Service:       svc,
		Dispatcher:    dispatcher,
		Notifications: notifications,
		DeliveryLog:   deliveries,
		Queue:         queue,
		Directory:     admins,
	}, sched.Config{
		EscalationsEnabled:  envBool("ATHENS_ESCALATIONS_ENABLED"),
		OverdueDefaultHours: envInt("ATHENS_OVERDUE_HOURS", 4),
	})
	go scheduler.Run(ctx)

	api := httpapi.New(httpapi.Deps{
		Service:       svc,
		Reconciler:    reconciler,
		Registry:      registry,
		Directory:     dir,
		Notifications: notifications,
		Subscriptions: subscriptions,
		Deliveries:    deliveries,
		Broker:        broker,
		Jobs:          health,
		Ready:         ready,
	}, httpapi.Config{
		Version:         version,
		DevTokens:       envBool("ATHENS_DEV_TOKENS"),
		BulkExportLimit: envInt("ATHENS_BULK_EXPORT_LIMIT", 200),
	})

	srv := &http.Server{
		Addr:              envStr("ATHENS_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting athens-ptw %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("stopped")
}

// seedDev populates the in-memory registry so dev tokens have something to
// authenticate against. Mirrors seeds/0001_demo.sql.
func seedDev(reg *tenant.MemRegistry) {
	reg.PutTenant(tenant.Tenant{ID: "acme", Name: "Acme Industrial"})
	reg.PutUser(tenant.UserProfile{UserID: "u-requestor", TenantID: "acme", ProjectID: "p1", Name: "Site Requestor", Role: tenant.RoleContractorUser, Grade: tenant.GradeC})
	reg.PutUser(tenant.UserProfile{UserID: "u-verifier", TenantID: "acme", ProjectID: "p1", Name: "Shift Verifier", Role: tenant.RoleEPCUser, Grade: tenant.GradeB})
	reg.PutUser(tenant.UserProfile{UserID: "u-approver", TenantID: "acme", ProjectID: "p1", Name: "Area Approver", Role: tenant.RoleClientUser, Grade: tenant.GradeA})
	reg.PutUser(tenant.UserProfile{UserID: "u-admin", TenantID: "acme", Name: "Project Admin", Role: tenant.RoleProjectAdmin, Grade: tenant.GradeA})
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
