package ingest

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tripwise/faretrack/logger"
	"github.com/tripwise/faretrack/pipetest"
	"github.com/tripwise/faretrack/pipetest/mocks"
)

type appendCall struct {
	payload      string
	partitionKey string
}

// memAppender records appends, refusing partition keys listed in fail.
type memAppender struct {
	calls []appendCall
	fail  map[string]bool
}

func (a *memAppender) Append(ctx context.Context, payload []byte, partitionKey string) error {
	if partitionKey == "" {
		return errors.New("missing partition key")
	}
	if a.fail[partitionKey] {
		return errors.New("append refused")
	}
	a.calls = append(a.calls, appendCall{payload: string(payload), partitionKey: partitionKey})
	return nil
}

func (a *memAppender) Close() error { return nil }

func s3Object(content string) *s3.GetObjectOutput {
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content))}
}

func TestHandleEventMissingStreamName(t *testing.T) {
	s3mock := &mocks.S3API{}
	ing := &Ingestor{Log: logger.NopLogger, S3: s3mock, Appender: &memAppender{}}

	res := ing.HandleEvent(context.Background(), []Notification{{Bucket: "trips", Key: "a.csv"}})

	assert.True(t, res.Err())
	assert.Equal(t, "Stream name not configured", res.Message)
	s3mock.AssertNotCalled(t, "GetObject", mock.Anything)
}

func TestHandleEventAppendsOneRecordPerRow(t *testing.T) {
	s3mock := &mocks.S3API{}
	s3mock.On("GetObject",
		mock.MatchedBy(func(input *s3.GetObjectInput) bool {
			return *input.Bucket == "trips" && *input.Key == "2025/04/22.csv"
		}),
	).Return(s3Object(pipetest.TripCSV), nil)

	appender := &memAppender{}
	ing := &Ingestor{Log: logger.NopLogger, StreamName: "trips-log", S3: s3mock, Appender: appender}

	res := ing.HandleEvent(context.Background(), []Notification{{Bucket: "trips", Key: "2025/04/22.csv"}})

	assert.False(t, res.Err())
	assert.Len(t, appender.calls, 3)
	assert.Equal(t, "t-1", appender.calls[0].partitionKey)
	assert.Equal(t, "t-2", appender.calls[1].partitionKey)
	assert.Equal(t, "t-3", appender.calls[2].partitionKey)

	var fields map[string]string
	assert.NoError(t, json.Unmarshal([]byte(appender.calls[0].payload), &fields))
	assert.Equal(t, map[string]string{
		"trip_id":               "t-1",
		"pickup_datetime":       "2025-04-22T08:30:00",
		"fare_amount":           "20.0",
		"estimated_fare_amount": "19.5",
	}, fields)
}

func TestHandleEventRowFailureDoesNotBlockOthers(t *testing.T) {
	s3mock := &mocks.S3API{}
	s3mock.On("GetObject", mock.Anything).Return(s3Object(pipetest.TripCSV), nil)

	appender := &memAppender{fail: map[string]bool{"t-2": true}}
	ing := &Ingestor{Log: logger.NopLogger, StreamName: "trips-log", S3: s3mock, Appender: appender}

	res := ing.HandleEvent(context.Background(), []Notification{{Bucket: "trips", Key: "a.csv"}})

	assert.False(t, res.Err())
	assert.Len(t, appender.calls, 2)
	assert.Equal(t, "t-1", appender.calls[0].partitionKey)
	assert.Equal(t, "t-3", appender.calls[1].partitionKey)
}

func TestHandleEventMissingTripIDUsesSentinel(t *testing.T) {
	const content = "pickup_datetime,fare_amount\n2025-04-22T08:30:00,20.0\n"
	s3mock := &mocks.S3API{}
	s3mock.On("GetObject", mock.Anything).Return(s3Object(content), nil)

	appender := &memAppender{}
	ing := &Ingestor{Log: logger.NopLogger, StreamName: "trips-log", S3: s3mock, Appender: appender}

	res := ing.HandleEvent(context.Background(), []Notification{{Bucket: "trips", Key: "a.csv"}})

	assert.False(t, res.Err())
	assert.Len(t, appender.calls, 1)
	assert.Equal(t, "unknown", appender.calls[0].partitionKey)
}

func TestHandleEventRaggedFileAbortsOnlyThatFile(t *testing.T) {
	const ragged = "trip_id,fare_amount\nt-1,5.0\nt-2,6.0,extra\nt-3,7.0\n"
	s3mock := &mocks.S3API{}
	s3mock.On("GetObject",
		mock.MatchedBy(func(input *s3.GetObjectInput) bool { return *input.Key == "bad.csv" }),
	).Return(s3Object(ragged), nil)
	s3mock.On("GetObject",
		mock.MatchedBy(func(input *s3.GetObjectInput) bool { return *input.Key == "good.csv" }),
	).Return(s3Object(pipetest.TripCSV), nil)

	appender := &memAppender{}
	log := logger.NewBufferLogger()
	ing := &Ingestor{Log: log, StreamName: "trips-log", S3: s3mock, Appender: appender}

	res := ing.HandleEvent(context.Background(), []Notification{
		{Bucket: "trips", Key: "bad.csv"},
		{Bucket: "trips", Key: "good.csv"},
	})

	assert.False(t, res.Err())
	// the row before the ragged one still went out, then the good file's three
	assert.Len(t, appender.calls, 4)
	assert.Equal(t, "t-1", appender.calls[0].partitionKey)

	buf, err := log.ReadAll()
	assert.NoError(t, err)
	assert.Contains(t, string(buf), "Error processing file bad.csv")
}

func TestHandleEventFetchFailureContinues(t *testing.T) {
	s3mock := &mocks.S3API{}
	s3mock.On("GetObject",
		mock.MatchedBy(func(input *s3.GetObjectInput) bool { return *input.Key == "missing.csv" }),
	).Return(nil, errors.New("no such key"))
	s3mock.On("GetObject",
		mock.MatchedBy(func(input *s3.GetObjectInput) bool { return *input.Key == "good.csv" }),
	).Return(s3Object(pipetest.TripCSV), nil)

	appender := &memAppender{}
	ing := &Ingestor{Log: logger.NopLogger, StreamName: "trips-log", S3: s3mock, Appender: appender}

	res := ing.HandleEvent(context.Background(), []Notification{
		{Bucket: "trips", Key: "missing.csv"},
		{Bucket: "trips", Key: "good.csv"},
	})

	assert.False(t, res.Err())
	assert.Len(t, appender.calls, 3)
}
