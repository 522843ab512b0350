// Package pipetest holds fixtures shared by the pipeline stage tests.
package pipetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// TripCSV is a small trip file in the canonical column layout. The
// timestamps and fares match the aggregation examples used across the
// stage tests.
const TripCSV = `trip_id,pickup_datetime,fare_amount,estimated_fare_amount
t-1,2025-04-22T08:30:00,20.0,19.5
t-2,2025-04-22T09:00:00,25.0,24.0
t-3,2025-04-22T10:15:00,15.0,16.0
`

// ObjectEvent returns the bucket notification body announcing one new
// object.
func ObjectEvent(bucket, key string) string {
	return fmt.Sprintf(
		`{"Records":[{"eventSource":"aws:s3","s3":{"bucket":{"name":"%s"},"object":{"key":"%s"}}}]}`,
		bucket, key,
	)
}

// RecordData encodes a flat field mapping the way the append log
// delivers it to the consumer: JSON wrapped in base64.
func RecordData(fields map[string]string) string {
	payload, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(payload)
}
