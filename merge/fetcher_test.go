package merge

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	segmentio "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"

	"github.com/tripwise/faretrack/internal"
	"github.com/tripwise/faretrack/logger"
)

func newTestStreamFetcher(t *testing.T) *streamFetcher {
	reader := &StreamReader{
		recordsChan: make(chan ShardRecord, 4),
		StreamReaderConfig: StreamReaderConfig{
			log:         logger.NopLogger,
			streamName:  "triplog",
			offsetsPath: fmt.Sprintf("%s/offsets.json", t.TempDir()),
		},
		offsets: &StreamOffsets{StreamName: "triplog", Shards: make(map[string]*ShardOffset)},
		stopCh:  make(chan struct{}),
	}
	return &streamFetcher{reader: reader}
}

func TestStreamFetcherConvertsAndCommits(t *testing.T) {
	fetcher := newTestStreamFetcher(t)
	fetcher.reader.recordsChan <- ShardRecord{
		ShardID: "shardId-000000000000",
		Index:   1,
		Record: &kinesis.Record{
			SequenceNumber:              aws.String("11"),
			PartitionKey:                aws.String("t-1"),
			Data:                        []byte(`{"trip_id":"t-1","fare_amount":"20.0"}`),
			ApproximateArrivalTimestamp: aws.Time(time.Now().UTC()),
		},
	}

	rec, err := fetcher.Fetch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "t-1", rec.PartitionKey)
	assert.Equal(t, "11", rec.SequenceNumber)

	payload, err := rec.Payload()
	assert.NoError(t, err)
	assert.Equal(t, "t-1", payload["trip_id"])
	assert.Equal(t, "20.0", payload["fare_amount"])

	assert.NoError(t, fetcher.Commit(context.Background()))
	offset, found := fetcher.reader.offsets.Load("shardId-000000000000")
	assert.True(t, found)
	assert.Equal(t, "11", offset.SequenceNumber)
	assert.EqualValues(t, 1, offset.Index)
	assert.Empty(t, fetcher.spool)
}

func TestStreamFetcherCommitWithoutFetchIsNoop(t *testing.T) {
	fetcher := newTestStreamFetcher(t)
	assert.NoError(t, fetcher.Commit(context.Background()))
	assert.Empty(t, fetcher.reader.offsets.Shards)
}

func kafkaMessage(offset int64, tripID string) segmentio.Message {
	return segmentio.Message{
		Topic:     "triplog",
		Partition: 0,
		Offset:    offset,
		Key:       []byte(tripID),
		Value:     []byte(fmt.Sprintf(`{"trip_id":%q,"fare_amount":"20.0"}`, tripID)),
	}
}

func TestKafkaFetcherConvertsAndCommits(t *testing.T) {
	reader := &internal.KafkaTestReader{
		Queue: []segmentio.Message{kafkaMessage(0, "t-1"), kafkaMessage(1, "t-2")},
	}
	fetcher := &kafkaFetcher{reader: reader}

	rec, err := fetcher.Fetch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "t-1", rec.PartitionKey)
	assert.Equal(t, "0", rec.SequenceNumber)

	payload, err := rec.Payload()
	assert.NoError(t, err)
	assert.Equal(t, "t-1", payload["trip_id"])

	rec, err = fetcher.Fetch(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "t-2", rec.PartitionKey)
	assert.Equal(t, "1", rec.SequenceNumber)

	assert.NoError(t, fetcher.Commit(context.Background()))
	assert.Equal(t, 2, reader.CommitOff)
	assert.Empty(t, fetcher.spool)
}

func TestKafkaFetcherBlocksAtEndOfQueue(t *testing.T) {
	fetcher := &kafkaFetcher{reader: &internal.KafkaTestReader{}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := fetcher.Fetch(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestKafkaFetcherClose(t *testing.T) {
	reader := &internal.KafkaTestReader{}
	fetcher := &kafkaFetcher{reader: reader}
	assert.NoError(t, fetcher.Close())
	assert.True(t, reader.Closed)

	_, err := fetcher.Fetch(context.Background())
	assert.Equal(t, io.EOF, err)
}
