package ingest

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tripwise/faretrack/pipetest/mocks"
)

func TestKinesisAppenderAppend(t *testing.T) {
	kinesisMock := &mocks.KinesisAPI{}
	kinesisMock.On("PutRecord",
		mock.MatchedBy(func(input *kinesis.PutRecordInput) bool {
			return *input.StreamName == "trips-log" &&
				*input.PartitionKey == "t-1" &&
				string(input.Data) == `{"trip_id":"t-1"}`
		}),
	).Return(&kinesis.PutRecordOutput{}, nil)

	a := &KinesisAppender{StreamName: "trips-log", Client: kinesisMock}
	err := a.Append(context.Background(), []byte(`{"trip_id":"t-1"}`), "t-1")
	assert.NoError(t, err)
	kinesisMock.AssertExpectations(t)
}

func TestKinesisAppenderEmptyPartitionKey(t *testing.T) {
	kinesisMock := &mocks.KinesisAPI{}
	a := &KinesisAppender{StreamName: "trips-log", Client: kinesisMock}

	err := a.Append(context.Background(), []byte(`{}`), "")
	assert.Error(t, err)
	kinesisMock.AssertNotCalled(t, "PutRecord", mock.Anything)
}
