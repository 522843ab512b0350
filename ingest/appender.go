package ingest

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/pkg/errors"
	segmentio "github.com/segmentio/kafka-go"

	"github.com/tripwise/faretrack/internal"
	"github.com/tripwise/faretrack/logger"
)

// Appender is the append-log client boundary. One call appends one
// record to the log under the given partition key. Implementations
// reject an empty partition key, failing that row's append.
type Appender interface {
	Append(ctx context.Context, payload []byte, partitionKey string) error
	Close() error
}

// KinesisAppender appends records to a Kinesis stream.
type KinesisAppender struct {
	StreamName string
	Client     kinesisiface.KinesisAPI
}

func (a *KinesisAppender) Append(ctx context.Context, payload []byte, partitionKey string) error {
	if partitionKey == "" {
		return errors.New("missing partition key")
	}
	_, err := a.Client.PutRecord(&kinesis.PutRecordInput{
		StreamName:   aws.String(a.StreamName),
		Data:         payload,
		PartitionKey: aws.String(partitionKey),
	})
	return errors.Wrap(err, "putting record")
}

func (a *KinesisAppender) Close() error { return nil }

// KafkaAppender appends records to a Kafka topic, keyed so that all of
// a trip's records land on one partition.
type KafkaAppender struct {
	Log    logger.Logger
	writer *segmentio.Writer
}

func NewKafkaAppender(log logger.Logger, hosts []string, topic string) *KafkaAppender {
	return &KafkaAppender{
		Log: log,
		writer: &segmentio.Writer{
			Addr:     segmentio.TCP(hosts...),
			Topic:    topic,
			Balancer: &segmentio.Hash{},
		},
	}
}

func (a *KafkaAppender) Append(ctx context.Context, payload []byte, partitionKey string) error {
	if partitionKey == "" {
		return errors.New("missing partition key")
	}
	msg := segmentio.Message{
		Key:   []byte(partitionKey),
		Value: payload,
	}
	return internal.WriteWithBackoff(ctx, a.writer, a.Log.Debugf, time.Millisecond, time.Second, msg)
}

func (a *KafkaAppender) Close() error {
	return a.writer.Close()
}
