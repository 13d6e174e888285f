// Command emit enqueues one domain event on the ingest queue, the way a business
// service does when a service order changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/observ"
	"github.com/lalithlochan/beacon/internal/sqs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func run(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	var (
		ev         sqs.DomainEvent
		admins     string
		recipients string
	)
	fs.StringVar(&ev.Kind, "kind", sqs.KindServiceAssigned, "domain event kind, e.g. service.assigned")
	fs.StringVar(&ev.ServiceID, "service-id", "", "service order id (required)")
	fs.StringVar(&ev.ServiceName, "service-name", "", "service order display name")
	fs.StringVar(&ev.ClientID, "client-id", "", "client user id")
	fs.StringVar(&ev.ClientName, "client-name", "", "client display name")
	fs.StringVar(&ev.EmployeeID, "employee-id", "", "employee user id")
	fs.StringVar(&ev.EmployeeName, "employee-name", "", "employee display name")
	fs.StringVar(&ev.DocumentName, "document", "", "document name for document.created")
	fs.StringVar(&admins, "admins", "", "comma-separated admin user ids")
	fs.StringVar(&recipients, "recipients", "", "comma-separated recipient ids overriding the defaults")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ev.AdminIDs = splitIDs(admins)
	ev.RecipientIDs = splitIDs(recipients)
	ev.OccurredAt = time.Now().UnixMilli()
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}

	logger, err := observ.NewLogger("beacon-emit", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue, err := sqs.New(ctx, sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
		Endpoint: cfg.SQSEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create queue client: %w", err)
	}

	id, err := queue.Send(ctx, ev)
	if err != nil {
		return err
	}
	logger.Info("domain event enqueued",
		zap.String("message_id", id),
		zap.String("kind", ev.Kind),
		zap.String("service_id", ev.ServiceID),
	)
	return nil
}
