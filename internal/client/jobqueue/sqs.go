// Package jobqueue dispatches asynchronous rate-refresh jobs to the worker
// fleet. Dispatch is fire-and-forget: the calculator never waits on a
// refresh result.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
	"go.uber.org/zap"
)

// Queue accepts rate-refresh jobs.
type Queue interface {
	EnqueueRateRefresh(ctx context.Context, job business.RefreshJob) error
}

// SQSQueue sends refresh jobs to an SQS queue consumed by the crawler fleet.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewSQSQueue builds a queue client from the default AWS config chain.
func NewSQSQueue(ctx context.Context, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		logger:   logger.Log,
	}, nil
}

// EnqueueRateRefresh sends one refresh job. Message attributes carry the
// state and priority so workers can filter without parsing the body.
func (q *SQSQueue) EnqueueRateRefresh(ctx context.Context, job business.RefreshJob) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh job: %w", err)
	}

	body := string(jobBytes)
	stringType := "String"

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"State": {
				StringValue: &job.State,
				DataType:    &stringType,
			},
			"Priority": {
				StringValue: &job.Priority,
				DataType:    &stringType,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send refresh job to SQS: %w", err)
	}

	q.logger.Info("Queued rate refresh job",
		zap.String("state", job.State),
		zap.String("priority", job.Priority),
		zap.String("reason", job.Reason))

	return nil
}

// NoopQueue discards jobs. Used for local development without AWS access.
type NoopQueue struct{}

func (NoopQueue) EnqueueRateRefresh(ctx context.Context, job business.RefreshJob) error {
	logger.Debug("Discarding rate refresh job (noop queue)",
		zap.String("state", job.State),
		zap.String("priority", job.Priority))
	return nil
}
