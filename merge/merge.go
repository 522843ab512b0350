// Package merge consumes the trip append log and folds each record
// into its trip item in the key-value store. Records carry base64
// encoded JSON payloads keyed by trip id. Merging is shallow: payload
// fields overwrite stored fields, other stored fields survive, and the
// item's id field is always forced to the trip id.
package merge

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"

	"github.com/tripwise/faretrack"
	"github.com/tripwise/faretrack/logger"
)

// Record is one append log entry as handed to the merger: the partition
// key it was appended under, a position identifier used for logging,
// and the payload as base64 encoded JSON.
type Record struct {
	PartitionKey   string
	SequenceNumber string
	Data           string
}

// Payload decodes the record data into field values.
func (r Record) Payload() (map[string]interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding record data")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshaling record payload")
	}
	return payload, nil
}

// Merger applies append log records to the trip store.
type Merger struct {
	Log   logger.Logger
	Table string
	DB    dynamodbiface.DynamoDBAPI
}

// HandleBatch merges every record in the batch. A record that cannot be
// decoded or stored is logged and skipped; it never fails the batch,
// and the result status is always ok.
func (m *Merger) HandleBatch(ctx context.Context, records []Record) faretrack.Result {
	m.Log.Debugf("Processing %d records", len(records))
	for _, record := range records {
		if err := m.mergeRecord(record); err != nil {
			faretrack.CounterConsumerRecordErrors.Inc()
			m.Log.Errorf("Failed to process record %s: %v", record.SequenceNumber, err)
			continue
		}
		faretrack.CounterConsumerRecordsMerged.Inc()
	}
	return faretrack.OK()
}

func (m *Merger) mergeRecord(record Record) error {
	payload, err := record.Payload()
	if err != nil {
		return err
	}

	tripID, _ := payload[faretrack.FieldTripID].(string)
	if tripID == "" {
		return errors.New("record payload has no usable trip_id")
	}

	existing, err := m.DB.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(m.Table),
		Key: map[string]*dynamodb.AttributeValue{
			faretrack.FieldID: {S: aws.String(tripID)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "getting item for trip %q", tripID)
	}

	item, err := dynamodbattribute.MarshalMap(payload)
	if err != nil {
		return errors.Wrapf(err, "marshaling payload for trip %q", tripID)
	}

	merged := make(map[string]*dynamodb.AttributeValue, len(existing.Item)+len(item)+1)
	for k, v := range existing.Item {
		merged[k] = v
	}
	for k, v := range item {
		merged[k] = v
	}
	merged[faretrack.FieldID] = &dynamodb.AttributeValue{S: aws.String(tripID)}

	if _, err := m.DB.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(m.Table),
		Item:      merged,
	}); err != nil {
		return errors.Wrapf(err, "putting item for trip %q", tripID)
	}

	m.Log.Debugf("Merged record for trip %q", tripID)
	return nil
}
