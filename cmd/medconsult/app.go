package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mama165/sdk-go/logs"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/broker"
	"github.com/zulandar/medconsult/internal/chat"
	"github.com/zulandar/medconsult/internal/config"
	"github.com/zulandar/medconsult/internal/consult"
	"github.com/zulandar/medconsult/internal/db"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/notify"
	"gorm.io/gorm"
)

// app holds the services built from one config file.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *gorm.DB
	ledger   *ledger.Ledger
	broker   broker.Broker
	coord    *consult.Coordinator
	chat     *chat.Gateway
	verifier *auth.JWTVerifier
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVerifier(cfg *config.Config) (*auth.JWTVerifier, error) {
	return auth.NewJWTVerifier(auth.JWTOpts{
		SigningKey: cfg.Auth.SigningKey,
		Issuer:     cfg.Auth.Issuer,
		TTL:        cfg.Auth.TokenTTL,
	})
}

func newBroker(ctx context.Context, cfg config.BrokerConfig, log *slog.Logger) (broker.Broker, error) {
	switch cfg.Backend {
	case "redis":
		r, err := broker.NewRedis(ctx, broker.RedisOpts{
			URL:           cfg.RedisURL,
			ChannelPrefix: cfg.ChannelPrefix,
			MailboxSize:   cfg.MailboxSize,
			PublishQueue:  cfg.PublishQueue,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return broker.NewLocal(broker.LocalOpts{MailboxSize: cfg.MailboxSize, Logger: log}), nil
	}
}

// openApp connects the database and broker and wires the domain services.
// Callers must call close.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	b, err := newBroker(ctx, cfg.Broker, log)
	if err != nil {
		db.Close(gormDB)
		return nil, fmt.Errorf("broker: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: gormDB, broker: b}
	a.ledger = ledger.New(gormDB, log)
	n := notify.New(b, log)

	if a.coord, err = consult.New(consult.Opts{Ledger: a.ledger, Notifier: n, Logger: log}); err != nil {
		a.close()
		return nil, err
	}
	if a.chat, err = chat.New(chat.Opts{
		Ledger:      a.ledger,
		Notifier:    n,
		MinLength:   cfg.Chat.MinLength,
		PageSize:    cfg.Chat.PageSize,
		MaxPageSize: cfg.Chat.MaxPageSize,
		Logger:      log,
	}); err != nil {
		a.close()
		return nil, err
	}
	if a.verifier, err = newVerifier(cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if err := a.broker.Close(); err != nil {
		a.log.Warn("close broker", "error", err)
	}
	if err := db.Close(a.db); err != nil {
		a.log.Warn("close database", "error", err)
	}
}
