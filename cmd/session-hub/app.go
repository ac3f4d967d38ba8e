package main

import (
	"context"

	"your.org/session-hub/internal/broker"
	"your.org/session-hub/internal/config"
	"your.org/session-hub/internal/contacts"
	"your.org/session-hub/internal/events"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/notify"
	"your.org/session-hub/internal/provider"
	"your.org/session-hub/internal/reconcile"
	"your.org/session-hub/internal/session"
	"your.org/session-hub/internal/status"
	"your.org/session-hub/internal/storage"
	"your.org/session-hub/internal/webhook"
)

// app holds every long lived component built from one Config.
type app struct {
	cfg       *config.Config
	stores    *storage.Stores
	mirror    *status.Mirror
	publisher *broker.Publisher
	gateway   *provider.Client
	enricher  *contacts.Enricher
	sessions  *session.Service
	processor *events.Processor
	reconcile *reconcile.Service
}

// newApp opens the stores and wires the services around one shared
// per-session lock table.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	stores, err := storage.Build(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, err
	}

	// Status mirror (no-op if REDIS_URL empty)
	mirror, err := status.NewMirror(cfg.RedisURL)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	publisher := broker.NewPublisher(cfg.AMQPURL, cfg.AMQPEventsExchange)
	if cfg.AMQPURL != "" {
		if err := publisher.Connect(); err != nil {
			// the publisher redials on the next notification
			ilog.Errorf("events publisher not connected: %v", err)
		}
	}
	notifier := notify.Multi{mirror, publisher}

	gateway := provider.NewClient(provider.ClientOptions{
		BaseURL: cfg.ProviderURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
		RPS:     cfg.ProviderRPS,
		Burst:   cfg.ProviderBurst,
	})

	registry := stores.Sessions
	router := webhook.NewRouter(stores.Webhooks, func(ctx context.Context, name string) (string, error) {
		s, err := registry.Get(ctx, name)
		return s.TenantID, err
	})
	enricher := contacts.NewEnricher(stores.Contacts, gateway)
	locks := session.NewKeyedMutex()

	a := &app{
		cfg:       cfg,
		stores:    stores,
		mirror:    mirror,
		publisher: publisher,
		gateway:   gateway,
		enricher:  enricher,
	}
	a.sessions = session.NewService(session.Deps{
		Registry:      registry,
		Locks:         locks,
		Router:        router,
		Gateway:       gateway,
		Conversations: stores.Conversations,
		Contacts:      enricher,
		Notifier:      notifier,
	}, session.Options{
		PublicBaseURL:   cfg.PublicBaseURL,
		DefaultRegion:   cfg.DefaultRegion,
		ArchiveOnDelete: cfg.ArchiveOnDelete,
	})
	a.processor = events.NewProcessor(events.Deps{
		Registry:      registry,
		Locks:         locks,
		Router:        router,
		Gateway:       gateway,
		Conversations: stores.Conversations,
		Contacts:      enricher,
		Notifier:      notifier,
	}, events.Options{
		DefaultRegion:    cfg.DefaultRegion,
		RequireSignature: cfg.WebhookRequireSignature,
		AllowLegacy:      cfg.WebhookAllowLegacy,
	})
	a.reconcile = reconcile.New(reconcile.Deps{
		Registry: registry,
		Locks:    locks,
		Router:   router,
		Gateway:  gateway,
		Notifier: notifier,
	}, cfg.PublicBaseURL, cfg.ReconcileTenants)
	return a, nil
}

// ready reports readiness: the store must answer.
func (a *app) ready(ctx context.Context) error {
	if a.stores.Ping == nil {
		return nil
	}
	return a.stores.Ping(ctx)
}

// close waits for background enrichment and releases connections.
func (a *app) close() {
	a.enricher.Wait()
	if err := a.publisher.Close(); err != nil {
		ilog.Errorf("close publisher: %v", err)
	}
	if err := a.mirror.Close(); err != nil {
		ilog.Errorf("close status mirror: %v", err)
	}
	if err := a.stores.Close(); err != nil {
		ilog.Errorf("close stores: %v", err)
	}
}
