package merge

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	segmentio "github.com/segmentio/kafka-go"

	"github.com/tripwise/faretrack/internal"
	"github.com/tripwise/faretrack/logger"
)

// RecordFetcher pulls append log records from a backend. Fetched
// records are spooled until Commit persists their positions.
type RecordFetcher interface {
	Fetch(ctx context.Context) (Record, error)
	Commit(ctx context.Context) error
	Close() error
}

// streamFetcher reads from the Kinesis trip log through a StreamReader.
type streamFetcher struct {
	reader *StreamReader
	spool  []ShardRecord
}

func openStreamFetcher(cfg StreamReaderConfig) (*streamFetcher, error) {
	reader, err := NewStreamReader(cfg)
	if err != nil {
		return nil, err
	}
	if err := reader.Start(); err != nil {
		return nil, err
	}
	return &streamFetcher{reader: reader}, nil
}

func (f *streamFetcher) Fetch(ctx context.Context) (Record, error) {
	rec, err := f.reader.FetchMessage(ctx)
	if err != nil {
		return Record{}, err
	}
	f.spool = append(f.spool, rec)
	return Record{
		PartitionKey:   aws.StringValue(rec.PartitionKey),
		SequenceNumber: aws.StringValue(rec.SequenceNumber),
		Data:           base64.StdEncoding.EncodeToString(rec.Data),
	}, nil
}

func (f *streamFetcher) Commit(ctx context.Context) error {
	if len(f.spool) == 0 {
		return nil
	}
	if err := f.reader.CommitMessages(ctx, f.spool...); err != nil {
		return err
	}
	f.spool = f.spool[:0]
	return nil
}

func (f *streamFetcher) Close() error {
	f.reader.Close()
	return nil
}

// kafkaFetcher reads from a Kafka trip log topic.
type kafkaFetcher struct {
	reader internal.KafkaReader
	spool  []segmentio.Message
}

func openKafkaFetcher(log logger.Logger, hosts []string, group, topic string) *kafkaFetcher {
	config := segmentio.ReaderConfig{
		Brokers:     hosts,
		GroupID:     group,
		Topic:       topic,
		Logger:      segmentio.LoggerFunc(log.Debugf),
		ErrorLogger: log,
	}
	return &kafkaFetcher{reader: internal.RetryReader{Reader: segmentio.NewReader(config)}}
}

func (f *kafkaFetcher) Fetch(ctx context.Context) (Record, error) {
	msg, err := f.reader.FetchMessage(ctx)
	if err != nil {
		return Record{}, err
	}
	f.spool = append(f.spool, msg)
	return Record{
		PartitionKey:   string(msg.Key),
		SequenceNumber: strconv.FormatInt(msg.Offset, 10),
		Data:           base64.StdEncoding.EncodeToString(msg.Value),
	}, nil
}

func (f *kafkaFetcher) Commit(ctx context.Context) error {
	if len(f.spool) == 0 {
		return nil
	}
	if err := f.reader.CommitMessages(ctx, f.spool...); err != nil {
		return err
	}
	f.spool = f.spool[:0]
	return nil
}

func (f *kafkaFetcher) Close() error {
	return f.reader.Close()
}
