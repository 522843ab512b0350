package mocks

import (
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/stretchr/testify/mock"
)

// KinesisAPI mocks the subset of the Kinesis client the pipeline calls.
type KinesisAPI struct {
	kinesisiface.KinesisAPI
	mock.Mock
}

func (m *KinesisAPI) DescribeStream(input *kinesis.DescribeStreamInput) (*kinesis.DescribeStreamOutput, error) {
	args := m.Called(input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.DescribeStreamOutput), args.Error(1)
}

func (m *KinesisAPI) GetShardIterator(input *kinesis.GetShardIteratorInput) (*kinesis.GetShardIteratorOutput, error) {
	args := m.Called(input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.GetShardIteratorOutput), args.Error(1)
}

func (m *KinesisAPI) GetRecords(input *kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error) {
	args := m.Called(input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.GetRecordsOutput), args.Error(1)
}

func (m *KinesisAPI) PutRecord(input *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
	args := m.Called(input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.PutRecordOutput), args.Error(1)
}
