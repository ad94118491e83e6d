// Package queue forwards failed notification runs to SQS for inspection and
// out-of-band retry.
package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/klauspost/compress/zstd"

	"rotarydesk/internal/broadcast"
)

// MaxBodyBytes is the SQS message size limit.
const MaxBodyBytes = 256 * 1024

// Encoding is the content-encoding attribute value of every message body.
const Encoding = "zstd+base64"

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// FailureSink publishes broadcast.FailedRun values as compressed JSON. A run
// too large for one message is split across several, each carrying a subset
// of the failures under the same run id.
type FailureSink struct {
	client   SQSSender
	queueURL string
	maxBody  int
	encoder  *zstd.Encoder
	logger   *slog.Logger
}

var _ broadcast.FailureSink = (*FailureSink)(nil)

// NewFailureSink creates a sink sending to queueURL.
func NewFailureSink(client SQSSender, queueURL string, logger *slog.Logger) (*FailureSink, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("queue: create zstd encoder: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureSink{
		client:   client,
		queueURL: queueURL,
		maxBody:  MaxBodyBytes,
		encoder:  enc,
		logger:   logger,
	}, nil
}

// Publish sends run, splitting it when the encoded body exceeds the limit.
func (s *FailureSink) Publish(ctx context.Context, run broadcast.FailedRun) error {
	body, err := s.encode(run)
	if err != nil {
		return err
	}
	if len(body) > s.maxBody && len(run.Failures) > 1 {
		half := len(run.Failures) / 2
		first, second := run, run
		first.Failures = run.Failures[:half]
		second.Failures = run.Failures[half:]
		if err := s.Publish(ctx, first); err != nil {
			return err
		}
		return s.Publish(ctx, second)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"content-encoding": {
				DataType:    aws.String("String"),
				StringValue: aws.String(Encoding),
			},
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(run.Kind)),
			},
		},
	}
	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send failed run %s to %s: %w", run.RunID, s.queueURL, err)
	}

	s.logger.InfoContext(ctx, "failed run forwarded",
		"run_id", run.RunID,
		"kind", string(run.Kind),
		"failures", len(run.Failures),
		"bytes", len(body),
	)
	return nil
}

func (s *FailureSink) encode(run broadcast.FailedRun) (string, error) {
	raw, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal failed run: %w", err)
	}
	return base64.StdEncoding.EncodeToString(s.encoder.EncodeAll(raw, nil)), nil
}

// DecodeFailedRun reverses the message encoding.
func DecodeFailedRun(body string) (broadcast.FailedRun, error) {
	var run broadcast.FailedRun
	compressed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return run, fmt.Errorf("queue: decode base64 body: %w", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(nil), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return run, fmt.Errorf("queue: create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return run, fmt.Errorf("queue: decompress body: %w", err)
	}
	if err := json.Unmarshal(raw, &run); err != nil {
		return run, fmt.Errorf("queue: unmarshal failed run: %w", err)
	}
	return run, nil
}
