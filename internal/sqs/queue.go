// Package sqs connects the server to the domain-event queue that business services
// write to when a service order changes.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint, e.g. for LocalStack.
	Endpoint string
}

// Domain event kinds.
const (
	KindServiceRequested  = "service.requested"
	KindServiceAssigned   = "service.assigned"
	KindServiceStarted    = "service.started"
	KindServiceCompleted  = "service.completed"
	KindDocumentCreated   = "document.created"
	KindInspectionCreated = "inspection.created"
)

var ErrUnknownKind = errors.New("unknown domain event kind")

// DomainEvent is the queue payload. Which fields matter depends on Kind.
type DomainEvent struct {
	Kind         string   `json:"kind"`
	ServiceID    string   `json:"serviceId"`
	ServiceName  string   `json:"serviceName,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientName   string   `json:"clientName,omitempty"`
	EmployeeID   string   `json:"employeeId,omitempty"`
	EmployeeName string   `json:"employeeName,omitempty"`
	AdminIDs     []string `json:"adminIds,omitempty"`
	RecipientIDs []string `json:"recipientIds,omitempty"`
	DocumentName string   `json:"documentName,omitempty"`
	OccurredAt   int64    `json:"occurredAt,omitempty"`
}

// Validate rejects events without a service id or with an unknown kind.
func (e DomainEvent) Validate() error {
	if e.ServiceID == "" {
		return errors.New("serviceId is required")
	}
	switch e.Kind {
	case KindServiceRequested, KindServiceAssigned, KindServiceStarted,
		KindServiceCompleted, KindDocumentCreated, KindInspectionCreated:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
}

// Message is one received queue message.
type Message struct {
	ID            string
	ReceiptHandle string
	ReceiveCount  int
	Body          string
}

// Decode parses and validates the message body.
func (m Message) Decode() (DomainEvent, error) {
	var ev DomainEvent
	if err := json.Unmarshal([]byte(m.Body), &ev); err != nil {
		return DomainEvent{}, fmt.Errorf("invalid message format: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return DomainEvent{}, err
	}
	return ev, nil
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue is the ingest queue client.
type Queue struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// New builds a queue from the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized", zap.String("queue_url", cfg.QueueURL))
	return NewWithClient(client, cfg.QueueURL, logger), nil
}

// NewWithClient uses client as is; tests pass a fake API.
func NewWithClient(client API, queueURL string, logger *zap.Logger) *Queue {
	return &Queue{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Send enqueues a domain event and returns the SQS message id.
func (q *Queue) Send(ctx context.Context, ev DomainEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	if ev.OccurredAt == 0 {
		ev.OccurredAt = time.Now().UnixMilli()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls for up to 10 messages.
func (q *Queue) Receive(ctx context.Context) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  max(1, count),
			Body:          aws.ToString(m.Body),
		})
	}
	return msgs, nil
}

// Delete acknowledges a processed message.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility hides a message for the given delay before it is redelivered.
func (q *Queue) ChangeVisibility(ctx context.Context, receiptHandle string, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
