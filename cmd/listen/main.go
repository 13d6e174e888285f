// Command listen holds one realtime session open and logs every change to the
// notification view.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/client"
	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("beacon-listen", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	policy := client.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxReconnects

	c, err := client.New(client.Config{
		ServerURL: cfg.ServerURL,
		Credentials: client.Credentials{
			UserID: cfg.UserID,
			Role:   cfg.Role,
			Token:  cfg.Token,
		},
		Reconnect:         policy,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SnapshotLimit:     cfg.SnapshotLimit,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)
	defer c.Close()

	var last client.View
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping listener")
			return nil
		case <-c.Done():
			return c.Err()
		case <-c.Updates():
			v := c.View()
			logChanges(logger, last, v)
			if v.Exhausted && !last.Exhausted {
				logger.Warn("reconnect attempts exhausted, retrying from the start")
				c.Reconnect()
			}
			last = v
		}
	}
}

func logChanges(logger *zap.Logger, prev, cur client.View) {
	if prev.Connected != cur.Connected {
		logger.Info("connection changed",
			zap.Bool("connected", cur.Connected),
			zap.String("connection_id", cur.ConnectionID),
		)
	}

	known := make(map[string]bool, len(prev.Notifications))
	for _, n := range prev.Notifications {
		known[n.ID] = true
	}
	for _, n := range cur.Notifications {
		if !known[n.ID] {
			logger.Info("notification",
				zap.String("id", n.ID),
				zap.String("type", string(n.Type)),
				zap.String("title", n.Title),
				zap.Bool("read", n.Read),
				zap.Time("created_at", n.CreatedAt),
			)
		}
	}

	if prev.UnreadCount != cur.UnreadCount || len(prev.Notifications) != len(cur.Notifications) {
		logger.Info("view updated",
			zap.Int("held", len(cur.Notifications)),
			zap.Int("unread", cur.UnreadCount),
		)
	}
}
