// Package errsink emits pipeline error messages to an external queue so
// that stage failures can be observed without scraping logs.
package errsink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tripwise/faretrack/logger"
)

// ErrorType signifies the type of error encountered.
type ErrorType string

// These are the supported ErrorType values that can be emitted to an
// ErrorStore.
const (
	RecoverableErrorType = ErrorType("Error")
	PanicErrorType       = ErrorType("Panic") // Runtime errors.
)

// ErrorStore is an abstraction over a resource like external storage, a
// database, or a queue that can receive and store error messages.
type ErrorStore interface {
	// Available checks if the backing resource can receive error
	// messages via Push.
	Available() bool

	// Push emits an error message of type ErrorType to the backing
	// resource. The caller should NOT assume that Available is called
	// implicitly to check for ErrorStore availability.
	Push(ErrorType, string, logger.Logger) error
}

// Payload is the wire form of a single error message emitted to an
// ErrorStore. RunId identifies one process lifetime of a stage, so
// repeated errors from the same run can be correlated downstream.
type Payload struct {
	Stage        string    `json:"stage"`
	RunId        string    `json:"run_id"`
	ErrorType    ErrorType `json:"error_type"`
	ErrorMessage string    `json:"error_msg"`
	Timestamp    string    `json:"time"`
}

// Queue is an ErrorStore implementation backed by an SQS queue.
type Queue struct {
	stage string
	runId string
	name  string
	url   string
	queue sqsiface.SQSAPI
}

// NewQueue constructs a Queue from an AWS SQS client, a queue name, and
// the name of the emitting stage. On success, callers can assume that a
// backing SQS queue resource exists and is resolvable.
//
// Returns nil and an SQS error if a queue URL cannot be resolved from
// the queue name.
func NewQueue(queue sqsiface.SQSAPI, queueName, stage string) (*Queue, error) {
	input := &sqs.GetQueueUrlInput{QueueName: &queueName}
	output, err := queue.GetQueueUrl(input)
	if err != nil {
		return nil, err
	}

	return &Queue{stage, uuid.NewString(), queueName, *output.QueueUrl, queue}, nil
}

// QueueFrom always constructs a Queue instance.
//
// Unlike NewQueue, this does NOT return an error when the queue name is
// empty or its URL cannot be resolved. Instead it collapses to a Queue
// whose backing resource is ALWAYS unavailable, so Push becomes a no-op
// warning. A downstream StreamLogger then behaves identically to its
// embedded Logger.
func QueueFrom(queue sqsiface.SQSAPI, queueName, stage string) *Queue {
	if queueName == "" {
		return &Queue{}
	}

	errorQueue, err := NewQueue(queue, queueName, stage)
	if err != nil {
		return &Queue{stage, uuid.NewString(), queueName, "", nil}
	}

	return errorQueue
}

// Available checks that a valid SQS queue resource exists.
func (q *Queue) Available() bool {
	return q.url != "" && q.queue != nil
}

// Push attempts to emit a single error message of type ErrorType to the
// SQS queue resource.
//
// If the backing SQS queue resource is not available, Push is a no-op
// and does NOT return an error. Instead it emits a warning to the log
// argument. The warning can be suppressed entirely by passing a nil log
// argument.
func (q *Queue) Push(errorType ErrorType, message string, log logger.Logger) error {
	if !q.Available() {
		if log != nil {
			log.Warnf("Not pushing errors to an SQS queue='%+v' due to unavailability.", q)
		}
		return nil
	}

	payload := Payload{
		Stage:        q.stage,
		RunId:        q.runId,
		ErrorType:    errorType,
		ErrorMessage: message,
		Timestamp:    time.Now().Format(time.RFC3339),
	}

	payloadBytes, err := json.Marshal(&payload)
	if err != nil {
		msgTemplate := "Unable to marshal payload='%+v' to send message='%s' to queue='%+v'."
		return errors.Wrap(err, fmt.Sprintf(msgTemplate, payload, message, q.queue))
	}

	encodedPayload := base64.URLEncoding.EncodeToString(payloadBytes)
	input := &sqs.SendMessageInput{
		DelaySeconds: aws.Int64(10),
		MessageBody:  aws.String(encodedPayload),
		QueueUrl:     &q.url,
	}

	_, err = q.queue.SendMessage(input)
	if err != nil {
		msgTemplate := "Unable to send message='%s' to queue='%+v' with input='%+v'."
		return errors.Wrap(err, fmt.Sprintf(msgTemplate, message, q.queue, input))
	}
	return nil
}

// StreamLogger is a logger.Logger implementation that decorates a base
// logger.Logger and additionally emits error and panic messages to an
// ErrorStore. All other log levels delegate to the base implementation.
type StreamLogger struct {
	base  logger.Logger
	store ErrorStore
}

// NewStreamLogger constructs a StreamLogger from a logger.Logger and an
// ErrorStore.
func NewStreamLogger(base logger.Logger, store ErrorStore) *StreamLogger {
	return &StreamLogger{base, store}
}

var _ logger.Logger = &StreamLogger{}

// Printf delegates to the base logger.Logger's Printf implementation.
func (sl *StreamLogger) Printf(format string, v ...interface{}) {
	sl.base.Printf(format, v...)
}

// Debugf delegates to the base logger.Logger's Debugf implementation.
func (sl *StreamLogger) Debugf(format string, v ...interface{}) {
	sl.base.Debugf(format, v...)
}

// Infof delegates to the base logger.Logger's Infof implementation.
func (sl *StreamLogger) Infof(format string, v ...interface{}) {
	sl.base.Infof(format, v...)
}

// Warnf delegates to the base logger.Logger's Warnf implementation.
func (sl *StreamLogger) Warnf(format string, v ...interface{}) {
	sl.base.Warnf(format, v...)
}

// Errorf delegates to the base logger.Logger's Errorf implementation and
// additionally pushes the message with RecoverableErrorType to the
// ErrorStore.
//
// If an error occurs during the Push, that error is logged to the base
// logger.Logger using Errorf.
func (sl *StreamLogger) Errorf(format string, v ...interface{}) {
	sl.base.Errorf(format, v...)

	err := sl.store.Push(RecoverableErrorType, fmt.Sprintf(format, v...), sl)
	if err != nil {
		errMsg := fmt.Sprintf("Failed during push to store='%+v'", sl.store)
		sl.base.Errorf(errors.Wrap(err, errMsg).Error())
	}
}

// Panicf delegates to the base logger.Logger's Panicf implementation and
// additionally pushes the message with PanicErrorType to the ErrorStore.
//
// If an error occurs during the Push, that error is logged to the base
// logger.Logger using Errorf NOT Panicf.
func (sl *StreamLogger) Panicf(format string, v ...interface{}) {
	sl.base.Panicf(format, v...)

	err := sl.store.Push(PanicErrorType, fmt.Sprintf(format, v...), sl)
	if err != nil {
		// A recoverable error occurred during a push to the store, so
		// log that error using Errorf not Panicf.
		errMsg := fmt.Sprintf("Failed during push to store='%+v'", sl.store)
		sl.base.Errorf(errors.Wrap(err, errMsg).Error())
	}
}

// WithPrefix returns a StreamLogger whose base logger carries the given
// prefix. The ErrorStore is shared with the receiver.
func (sl *StreamLogger) WithPrefix(prefix string) logger.Logger {
	return &StreamLogger{base: sl.base.WithPrefix(prefix), store: sl.store}
}
