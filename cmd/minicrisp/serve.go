package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/samikshajagne/minicrisp/internal/attachment"
	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/conversation"
	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/db"
	"github.com/samikshajagne/minicrisp/internal/event"
	"github.com/samikshajagne/minicrisp/internal/handlers"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/logger"
	"github.com/samikshajagne/minicrisp/internal/mailbox"
	"github.com/samikshajagne/minicrisp/internal/message"
	"github.com/samikshajagne/minicrisp/internal/outbound"
	"github.com/samikshajagne/minicrisp/internal/server"
	"github.com/samikshajagne/minicrisp/internal/thread"
	"github.com/samikshajagne/minicrisp/internal/whatsapp"
)

func runServe() {
	fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			provideDBConn,
			provideCustomerStore,
			customer.NewResolver,
			provideMessageStore,
			provideThreadStore,
			provideMailboxStore,
			event.NewHub,
			provideBlobProvider,
			provideBlobCorrelator,
			provideThreadCorrelator,
			providePipeline,
			provideMailer,
			provideWhatsAppSender,
			mailbox.NewFetcher,
			provideMailboxManager,
			conversation.NewService,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideChatHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(provideAccountsHandler),
			provideServerHandler(provideWhatsAppHandler),
			provideServerHandler(provideAttachmentsHandler),
			provideServer,
		),
		fx.Invoke(
			startMailboxManager,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideCustomerStore(log *slog.Logger, conn *pgxpool.Pool) customer.Store {
	return customer.NewStore(log, conn)
}

func provideMessageStore(log *slog.Logger, conn *pgxpool.Pool) message.Store {
	return message.NewStore(log, conn)
}

func provideThreadStore(log *slog.Logger, conn *pgxpool.Pool) thread.Store {
	return thread.NewStore(log, conn)
}

func provideMailboxStore(log *slog.Logger, conn *pgxpool.Pool) mailbox.Store {
	return mailbox.NewStore(log, conn)
}

func provideBlobProvider(cfg config.Config) (*attachment.FSProvider, error) {
	return attachment.NewFSProvider(cfg.Blob.Root)
}

func provideBlobCorrelator(log *slog.Logger, provider *attachment.FSProvider) *attachment.Correlator {
	return attachment.NewCorrelator(log, provider)
}

func provideThreadCorrelator(log *slog.Logger, store thread.Store, resolver *customer.Resolver, cfg config.Config) *thread.Correlator {
	return thread.NewCorrelator(log, store, resolver, cfg.Mail.Blocklist)
}

func providePipeline(log *slog.Logger, resolver *customer.Resolver, messages message.Store, hub *event.Hub) *ingest.Pipeline {
	return ingest.NewPipeline(log, resolver, messages, hub)
}

func provideMailer(log *slog.Logger, cfg config.Config, threads *thread.Correlator) *outbound.Mailer {
	return outbound.NewMailer(log, cfg.Mail, threads)
}

func provideWhatsAppSender(log *slog.Logger, cfg config.Config) *whatsapp.Sender {
	return whatsapp.NewSender(log, cfg.WhatsApp)
}

func provideMailboxManager(
	log *slog.Logger,
	store mailbox.Store,
	fetcher *mailbox.Fetcher,
	threads *thread.Correlator,
	blobs *attachment.Correlator,
	pipeline *ingest.Pipeline,
	cfg config.Config,
) *mailbox.Manager {
	return mailbox.NewManager(log, store, fetcher, threads, blobs, pipeline, cfg.Mail)
}

func provideChatHandler(
	log *slog.Logger,
	pipeline *ingest.Pipeline,
	resolver *customer.Resolver,
	messages message.Store,
	mailer *outbound.Mailer,
	hub *event.Hub,
	cfg config.Config,
) *handlers.ChatHandler {
	var notifier handlers.Notifier
	if cfg.Mail.AdminAddress != "" {
		notifier = mailer
	}
	return handlers.NewChatHandler(log, pipeline, resolver, messages, notifier, hub)
}

func provideAdminHandler(
	log *slog.Logger,
	resolver *customer.Resolver,
	messages message.Store,
	conversations *conversation.Service,
	pipeline *ingest.Pipeline,
	mailer *outbound.Mailer,
	wa *whatsapp.Sender,
	accounts mailbox.Store,
	cfg config.Config,
) *handlers.AdminHandler {
	var replier handlers.Replier
	if cfg.Mail.SMTPHost != "" {
		replier = mailer
	}
	var sender handlers.WhatsAppSender
	if cfg.WhatsApp.AccessToken != "" {
		sender = wa
	}
	return handlers.NewAdminHandler(log, resolver, messages, conversations, pipeline, replier, sender, accounts)
}

func provideAccountsHandler(log *slog.Logger, store mailbox.Store, manager *mailbox.Manager) *handlers.AccountsHandler {
	return handlers.NewAccountsHandler(log, store, manager)
}

func provideWhatsAppHandler(log *slog.Logger, cfg config.Config, pipeline *ingest.Pipeline) *handlers.WhatsAppHandler {
	return handlers.NewWhatsAppHandler(log, cfg.WhatsApp, pipeline)
}

func provideAttachmentsHandler(log *slog.Logger, blobs *attachment.Correlator) *handlers.AttachmentsHandler {
	return handlers.NewAttachmentsHandler(log, blobs)
}

type serverParams struct {
	fx.In

	Config   config.Config
	Logger   *slog.Logger
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Logger, params.Config.Server.Addr, params.Handlers...)
}

func startMailboxManager(lc fx.Lifecycle, manager *mailbox.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return manager.Start(ctx) },
		OnStop: func(context.Context) error {
			cancel()
			manager.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
