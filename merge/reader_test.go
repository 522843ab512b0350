package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tripwise/faretrack/logger"
	"github.com/tripwise/faretrack/pipetest/mocks"
)

const testStream = "triplog"

var (
	s3mock      = &mocks.S3API{}
	kinesisMock = &mocks.KinesisAPI{}
)

func newMockedStreamReader(t *testing.T, offsetsPath string) *StreamReader {
	cfg := StreamReaderConfig{
		log:           logger.NopLogger,
		streamName:    testStream,
		offsetsPath:   offsetsPath,
		kinesisClient: kinesisMock,
		s3client:      s3mock,
	}
	reader, err := NewStreamReader(cfg)
	if err != nil {
		t.Fatalf("Unexpected error creating stream reader: %v", err)
	}

	reader.fetchBatchSize = 2
	reader.fetchQueriesPerSecondBehindTip = 1
	reader.fetchQueriesPerSecondAtTip = 1
	return reader
}

func copyFile(dst, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func shardName(shardIdx int) string {
	return fmt.Sprintf("shardId-00000000000%d", shardIdx)
}

func shardIterator(shardIdx int) string {
	return fmt.Sprintf("%s-%d", shardName(shardIdx), time.Now().UnixNano())
}

func tripRecord(seq string) *kinesis.Record {
	return &kinesis.Record{
		SequenceNumber:              aws.String(seq),
		PartitionKey:                aws.String("t-1"),
		Data:                        []byte(`{"trip_id":"t-1","fare_amount":"20.0"}`),
		ApproximateArrivalTimestamp: aws.Time(time.Now().UTC()),
	}
}

// activeStream describes an ACTIVE trip log stream with shardCount open
// shards.
func activeStream(shardCount int) *kinesis.DescribeStreamOutput {
	desc := &kinesis.StreamDescription{
		StreamStatus: aws.String(kinesis.StreamStatusActive),
	}
	for i := 0; i < shardCount; i++ {
		desc.Shards = append(desc.Shards, &kinesis.Shard{ShardId: aws.String(shardName(i))})
	}
	return &kinesis.DescribeStreamOutput{StreamDescription: desc}
}

func recordsBatch(millisBehind int64, nextIterator *string, seqs ...string) *kinesis.GetRecordsOutput {
	out := &kinesis.GetRecordsOutput{
		MillisBehindLatest: aws.Int64(millisBehind),
		NextShardIterator:  nextIterator,
	}
	for _, seq := range seqs {
		out.Records = append(out.Records, tripRecord(seq))
	}
	return out
}

func expectDescribeStream(out *kinesis.DescribeStreamOutput) *mock.Call {
	return kinesisMock.On("DescribeStream",
		mock.MatchedBy(func(input *kinesis.DescribeStreamInput) bool {
			return *input.StreamName == testStream
		}),
	).Return(out, nil)
}

func expectShardIterator(shardIdx int, iteratorType string) *mock.Call {
	out := &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(shardIterator(shardIdx))}
	return kinesisMock.On("GetShardIterator",
		mock.MatchedBy(func(input *kinesis.GetShardIteratorInput) bool {
			return *input.StreamName == testStream && *input.ShardId == shardName(shardIdx) &&
				*input.ShardIteratorType == iteratorType
		}),
	).Return(out, nil)
}

func expectRecords(shardIdx int, out *kinesis.GetRecordsOutput) *mock.Call {
	return kinesisMock.On("GetRecords",
		mock.MatchedBy(func(input *kinesis.GetRecordsInput) bool {
			return strings.HasPrefix(*input.ShardIterator, shardName(shardIdx))
		}),
	).Return(out, nil)
}

func TestNewStreamReaderMissingOffsetsFile(t *testing.T) {
	cfg := StreamReaderConfig{
		log:           logger.NopLogger,
		streamName:    testStream,
		offsetsPath:   filepath.Join(t.TempDir(), "missing"),
		kinesisClient: kinesisMock,
		s3client:      s3mock,
	}
	reader, err := NewStreamReader(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, reader)
	assert.NotNil(t, reader.offsets)
	assert.Empty(t, reader.offsets.Shards)
}

func TestNewStreamReaderInvalidOffsetsFile(t *testing.T) {
	cfg := StreamReaderConfig{
		log:           logger.NopLogger,
		streamName:    testStream,
		offsetsPath:   "./testdata/invalid_offsets.json",
		kinesisClient: kinesisMock,
		s3client:      s3mock,
	}
	reader, err := NewStreamReader(cfg)
	assert.Error(t, err)
	assert.Nil(t, reader)
}

func TestNewStreamReaderExistingOffsets(t *testing.T) {
	offsets := filepath.Join(t.TempDir(), "offsets.json")
	if err := copyFile(offsets, "./testdata/offsets.json"); err != nil {
		t.Fatal("failed to copy offsets to temp directory")
	}

	cfg := StreamReaderConfig{
		log:           logger.NopLogger,
		streamName:    testStream,
		offsetsPath:   offsets,
		kinesisClient: kinesisMock,
		s3client:      s3mock,
	}
	reader, err := NewStreamReader(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, reader)

	shardOffset, found := reader.offsets.Load(shardName(0))
	assert.True(t, found)
	assert.NotNil(t, shardOffset)
	assert.Equal(t, "49630012077177636477557067721327867885693021124781146130", shardOffset.SequenceNumber)
	assert.EqualValues(t, shardOffset.Index, 1)

	shardOffset, found = reader.offsets.Load(shardName(1))
	assert.True(t, found)
	assert.NotNil(t, shardOffset)
	assert.Equal(t, "49630012077199937222755598499219162069555906398413389858", shardOffset.SequenceNumber)
	assert.EqualValues(t, shardOffset.Index, 2)
}

func TestStreamReaderFetchCommitWithoutOffsets(t *testing.T) {
	reader := newMockedStreamReader(t, filepath.Join(t.TempDir(), "offsets.json"))

	const shardCount = 2
	expectDescribeStream(activeStream(shardCount))
	for i := 0; i < shardCount; i++ {
		expectShardIterator(i, kinesis.ShardIteratorTypeTrimHorizon)
		expectRecords(i, recordsBatch(100, aws.String(shardIterator(i)), "1"))
	}

	err := reader.Start()
	assert.Nil(t, err)

	var records []ShardRecord
	for i := 0; i < shardCount; i++ {
		rec, err := reader.FetchMessage(context.Background())
		assert.Nil(t, err)
		assert.Equal(t, rec.SequenceNumber, aws.String("1"))
		records = append(records, rec)
	}
	assert.Empty(t, reader.offsets.Shards)

	err = reader.CommitMessages(context.Background(), records...)
	assert.Nil(t, err)

	assert.Len(t, reader.offsets.Shards, shardCount)
	for i := 0; i < shardCount; i++ {
		shardOffset, exists := reader.offsets.Load(shardName(i))
		assert.True(t, exists)
		assert.EqualValues(t, shardOffset.Index, 1)
	}
	defer reader.Close()
}

func TestStreamReaderFetchCommitFromExistingOffsets(t *testing.T) {
	offsets := filepath.Join(t.TempDir(), "offsets.json")
	if err := copyFile(offsets, "./testdata/offsets.json"); err != nil {
		t.Fatal("failed to copy offsets to temp directory")
	}

	reader := newMockedStreamReader(t, offsets)

	const shardCount = 2
	expectDescribeStream(activeStream(shardCount))
	for i := 0; i < shardCount; i++ {
		expectShardIterator(i, kinesis.ShardIteratorTypeAfterSequenceNumber)
		expectRecords(i, recordsBatch(100, aws.String(shardIterator(i)), "1"))
	}

	err := reader.Start()
	assert.Nil(t, err)

	var records []ShardRecord
	for i := 0; i < shardCount; i++ {
		rec, err := reader.FetchMessage(context.Background())
		assert.Nil(t, err)
		assert.Equal(t, rec.SequenceNumber, aws.String("1"))
		records = append(records, rec)
	}
	assert.Len(t, reader.offsets.Shards, shardCount)
	for i := 0; i < shardCount; i++ {
		shardOffset, exists := reader.offsets.Load(shardName(i))
		assert.True(t, exists)
		assert.EqualValues(t, shardOffset.Index, i+1)
	}

	err = reader.CommitMessages(context.Background(), records...)
	assert.Nil(t, err)

	assert.Len(t, reader.offsets.Shards, shardCount)
	for i := 0; i < shardCount; i++ {
		shardOffset, exists := reader.offsets.Load(shardName(i))
		assert.True(t, exists)
		assert.EqualValues(t, shardOffset.Index, i+2)
	}
	defer reader.Close()
}

func TestStreamReaderOrderedReadsAfterResharding(t *testing.T) {
	s3mock = &mocks.S3API{}
	kinesisMock = &mocks.KinesisAPI{}

	reader := newMockedStreamReader(t, filepath.Join(t.TempDir(), "offsets.json"))
	defer reader.Close()

	expectDescribeStream(activeStream(1)).Once()
	expectShardIterator(0, kinesis.ShardIteratorTypeTrimHorizon).Once()

	const recordsBeforeClose = 2
	for i := 1; i <= recordsBeforeClose; i++ {
		next := aws.String(shardIterator(0))
		// a nil next iterator signals the shard is closed
		if i == recordsBeforeClose {
			next = nil
		}
		expectRecords(0, recordsBatch(100, next, strconv.Itoa(i))).After(time.Second).Once()
	}

	// the stream reports Updating while the split is in progress, then
	// returns to Active with the child shard attached to its parent
	updating := activeStream(1)
	updating.StreamDescription.StreamStatus = aws.String(kinesis.StreamStatusUpdating)
	expectDescribeStream(updating).Once()

	split := activeStream(1)
	split.StreamDescription.Shards = append(split.StreamDescription.Shards,
		&kinesis.Shard{ShardId: aws.String(shardName(1)), ParentShardId: aws.String(shardName(0))})
	expectDescribeStream(split).Once()

	expectShardIterator(1, kinesis.ShardIteratorTypeTrimHorizon).Once()
	expectRecords(1, recordsBatch(0, aws.String(shardIterator(1)), "1")).Once()

	err := reader.Start()
	assert.Nil(t, err)

	for i := 1; i <= recordsBeforeClose; i++ {
		rec, err := reader.FetchMessage(context.Background())
		assert.Nil(t, err)
		assert.Equal(t, strconv.Itoa(i), *rec.SequenceNumber)
		assert.Equal(t, rec.ShardID, shardName(0))
	}

	rec, err := reader.FetchMessage(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, "1", *rec.SequenceNumber)
	assert.Equal(t, rec.ShardID, shardName(1))
}
