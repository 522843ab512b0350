// Package faretrack holds the shared vocabulary of the trip ingestion
// pipeline: the row schema produced by the ingestor, the field names
// that correlate a trip across the stream and the keyed store, and the
// result envelope each stage reports back to its invoker.
package faretrack

import "fmt"

// Field names shared across the pipeline. The ingestor emits rows keyed
// by these names, the merger keys store records on FieldID, and the
// aggregator filters on the two fare fields.
const (
	FieldTripID              = "trip_id"
	FieldPickupDatetime      = "pickup_datetime"
	FieldFareAmount          = "fare_amount"
	FieldEstimatedFareAmount = "estimated_fare_amount"

	// FieldID is the keyed-store primary key. It is forced to the trip
	// identifier on every merge so an incoming payload can never detach
	// a record from its key.
	FieldID = "id"

	// UnknownTripID is the sentinel partition key for rows that carry no
	// usable trip identifier.
	UnknownTripID = "unknown"
)

// Stage result statuses.
const (
	StatusDone  = "done"
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the envelope a stage invocation reports to its trigger.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Done reports a completed ingest batch.
func Done() Result {
	return Result{Status: StatusDone}
}

// OK reports a completed merge batch, including batches with skipped
// records.
func OK() Result {
	return Result{Status: StatusOK}
}

// Errorf reports a fatal, pre-processing failure such as missing
// configuration.
func Errorf(format string, v ...interface{}) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, v...)}
}

// Err reports whether the result is an error result.
func (r Result) Err() bool {
	return r.Status == StatusError
}
