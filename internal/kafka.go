package internal

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	segmentio "github.com/segmentio/kafka-go"
)

// KafkaReader is the reading side of a Kafka connection.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (segmentio.Message, error)
	CommitMessages(ctx context.Context, msgs ...segmentio.Message) error
	io.Closer
}

// RetryReader retries fetches that fail with a rebalance or another
// temporary error.
type RetryReader struct {
	*segmentio.Reader
}

func (r RetryReader) FetchMessage(ctx context.Context) (segmentio.Message, error) {
try:
	msg, err := r.Reader.FetchMessage(ctx)
	if err != nil {
		if err := ctx.Err(); err != nil {
			return segmentio.Message{}, err
		}
		if err == segmentio.RebalanceInProgress {
			goto try
		}
		if err, ok := err.(segmentio.Error); ok && err.Temporary() {
			goto try
		}

		return segmentio.Message{}, err
	}

	return msg, nil
}

// KafkaTestReader serves a fixed queue of messages and verifies that
// commits arrive in queue order.
type KafkaTestReader struct {
	Queue               []segmentio.Message
	FetchOff, CommitOff int
	Closed              bool
}

func (r *KafkaTestReader) FetchMessage(ctx context.Context) (segmentio.Message, error) {
	if err := ctx.Err(); err != nil {
		return segmentio.Message{}, err
	}

	if r.Closed {
		return segmentio.Message{}, io.EOF
	}

	if r.FetchOff == len(r.Queue) {
		<-ctx.Done()
		return segmentio.Message{}, ctx.Err()
	}

	msg := r.Queue[r.FetchOff]
	r.FetchOff++

	return msg, nil
}

func (r *KafkaTestReader) CommitMessages(ctx context.Context, msgs ...segmentio.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	off := r.CommitOff
	for _, m := range msgs {
		switch {
		case off == len(r.Queue):
			return errors.New("commit past the end of the queue")

		case r.Queue[off].Topic != m.Topic:
			return errors.Errorf("commit topic mismatch: want %q, got %q", r.Queue[off].Topic, m.Topic)
		case r.Queue[off].Partition != m.Partition:
			return errors.Errorf("commit partition mismatch: want %d, got %d", r.Queue[off].Partition, m.Partition)
		case r.Queue[off].Offset != m.Offset:
			return errors.Errorf("commit offset mismatch: want %d, got %d", r.Queue[off].Offset, m.Offset)

		default:
			off++
		}
	}
	r.CommitOff = off

	return nil
}

func (r *KafkaTestReader) Close() error {
	r.Closed = true
	return nil
}

// WriteWithBackoff delivers messages through writer, retrying any that
// failed with a temporary error. The retry interval doubles up to
// maxInterval. It returns once every message is delivered, a permanent
// error occurs, or ctx ends.
func WriteWithBackoff(ctx context.Context, writer *segmentio.Writer, log func(string, ...interface{}), interval, maxInterval time.Duration, messages ...segmentio.Message) error {
	tries := 0
	var lastErr error
	for len(messages) > 0 {
		tries++
		err := writer.WriteMessages(ctx, messages...)
		switch err := err.(type) {
		case nil:
			return nil

		case segmentio.Error:
			lastErr = err
			if !err.Temporary() {
				return errors.Wrapf(lastErr, "failed to deliver messages after %d tries", tries)
			}

		case segmentio.WriteErrors:
			remaining, perm := splitTemporary(messages, err)
			if perm != nil {
				return errors.Wrap(perm, "failed to deliver messages")
			}
			messages = remaining
			lastErr = err

		default:
			if lastErr == nil || err != context.DeadlineExceeded {
				lastErr = err
			}
			return errors.Wrapf(lastErr, "failed to deliver messages after %d tries", tries)
		}

		log("temporary write error: %v", lastErr)

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(lastErr, "failed to deliver messages after %d tries", tries)
		}
	}
	return nil
}

// splitTemporary partitions per-message write results into the messages
// worth retrying and the first permanent failure, if any.
func splitTemporary(messages []segmentio.Message, errs segmentio.WriteErrors) ([]segmentio.Message, error) {
	var remaining []segmentio.Message
	for i, m := range messages {
		switch err := errs[i].(type) {
		case nil:
			continue
		case segmentio.Error:
			if err.Temporary() {
				remaining = append(remaining, m)
				continue
			}
			return nil, err
		default:
			return nil, err
		}
	}
	return remaining, nil
}
