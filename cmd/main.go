package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/alerts"
	"github.com/ukydev/fleet-compliance/internal/apperr"
	"github.com/ukydev/fleet-compliance/internal/auth"
	"github.com/ukydev/fleet-compliance/internal/compliance"
	"github.com/ukydev/fleet-compliance/internal/config"
	"github.com/ukydev/fleet-compliance/internal/db"
	"github.com/ukydev/fleet-compliance/internal/dvir"
	"github.com/ukydev/fleet-compliance/internal/edits"
	"github.com/ukydev/fleet-compliance/internal/eventlog"
	"github.com/ukydev/fleet-compliance/internal/handlers"
	"github.com/ukydev/fleet-compliance/internal/hos"
	"github.com/ukydev/fleet-compliance/internal/logger"
	"github.com/ukydev/fleet-compliance/internal/middleware"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/ukydev/fleet-compliance/internal/telematics"
	"github.com/ukydev/fleet-compliance/internal/violations"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// stores are the four collections the engine persists to.
type stores struct {
	events      db.EventCollection
	users       db.UserCollection
	edits       db.EditCollection
	inspections db.InspectionCollection
	close       func(context.Context) error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("Using in-memory store; data is lost on exit")
		return &stores{
			events:      db.NewMemoryEventCollection(),
			users:       db.NewMemoryUserCollection(),
			edits:       db.NewMemoryEditCollection(),
			inspections: db.NewMemoryInspectionCollection(),
			close:       func(context.Context) error { return nil },
		}, nil
	}

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	cols, err := db.OpenCollections(ctx, client.Database(cfg.MongoDB))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")
	return &stores{
		events:      cols.Events,
		users:       cols.Users,
		edits:       cols.Edits,
		inspections: cols.Inspections,
		close:       client.Disconnect,
	}, nil
}

func rulesFor(cfg *config.Config) (hos.Rules, error) {
	rules, err := hos.RulesFor(cfg.HOSRuleset)
	if err != nil {
		return hos.Rules{}, err
	}
	rules.SplitSleeper = cfg.HOSSplitSleeper
	return rules, nil
}

// app is the wired engine: the compliance service and its HTTP surface.
type app struct {
	svc       *compliance.Service
	handler   http.Handler
	publisher *telematics.Publisher
}

// newApp wires every component. broker may be nil, in which case nothing is
// published.
func newApp(cfg *config.Config, st *stores, broker telematics.Broker, clock clockz.Clock) (*app, error) {
	rules, err := rulesFor(cfg)
	if err != nil {
		return nil, err
	}
	authService, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry, clock)
	if err != nil {
		return nil, err
	}

	var (
		publisher *telematics.Publisher
		notifier  dvir.EligibilityNotifier
	)
	if broker != nil {
		publisher = telematics.NewPublisher(broker)
		notifier = publisher
	}

	eventLog := eventlog.New(st.events, st.users, clock, eventlog.Config{SkewTolerance: cfg.ClockSkewTolerance})
	engine := hos.NewEngine(eventLog, st.users, rules, clock)
	svc := compliance.New(compliance.Deps{
		Log:              eventLog,
		Engine:           engine,
		Detector:         violations.NewDetector(engine, eventLog, cfg.DiagnosticGrace, clock),
		Edits:            edits.NewWorkflow(eventLog, st.edits, clock),
		DVIR:             dvir.NewLedger(st.inspections, st.users, notifier, clock),
		Users:            st.users,
		Hasher:           authService,
		Clock:            clock,
		FleetConcurrency: cfg.AlertConcurrency,
	})

	router := handlers.NewRouter(handlers.RouterDeps{
		Auth:      handlers.NewAuthHandler(authService, st.users, svc, clock),
		HOS:       handlers.NewHOSHandler(svc),
		Guard:     middleware.NewAuthMiddleware(authService),
		RateLimit: middleware.NewRateLimitMiddleware(clock),
	})
	log.WithFields(log.Fields{
		"ruleset":       rules.Name,
		"split_sleeper": rules.SplitSleeper,
		"store":         cfg.Store,
	}).Info("Compliance engine configured")
	return &app{svc: svc, handler: router, publisher: publisher}, nil
}

// bootstrapAdmin creates the configured admin account if it is missing.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, users db.UserCollection, svc *compliance.Service) error {
	if cfg.BootstrapAdminID == "" {
		return nil
	}
	_, err := users.FindUserByID(ctx, cfg.BootstrapAdminID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("look up bootstrap admin: %w", err)
	}
	_, err = svc.RegisterDriver(ctx, models.RegisterRequest{
		ID:   cfg.BootstrapAdminID,
		Name: "Administrator",
		PIN:  cfg.BootstrapAdminPIN,
		Role: models.RoleAdmin,
	})
	return err
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	var broker *telematics.MQTTBroker
	if cfg.MQTTBroker != "" {
		broker, err = telematics.Dial(telematics.BrokerConfig{URL: cfg.MQTTBroker, ClientID: cfg.MQTTClientID})
		if err != nil {
			return err
		}
		defer broker.Close()
	} else {
		log.Warn("MQTT_BROKER not set; device ingest and alerts are disabled")
	}

	var b telematics.Broker
	if broker != nil {
		b = broker
	}
	a, err := newApp(cfg, st, b, clockz.RealClock)
	if err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, cfg, st.users, a.svc); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if broker != nil {
		if err := telematics.NewConsumer(a.svc, broker).Start(); err != nil {
			return err
		}
		monitor := alerts.NewMonitor(a.svc, a.publisher, clockz.RealClock, cfg.AlertInterval)
		g.Go(func() error { return monitor.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	closer, err := logger.Setup(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.WithError(err).Error("Server stopped with error")
	}
	if cerr := closer.Close(); cerr != nil {
		log.WithError(cerr).Warn("Failed to close log file")
	}
	if err != nil {
		log.Exit(1)
	}
}
