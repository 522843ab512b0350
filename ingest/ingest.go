// Package ingest reads newly uploaded trip files and publishes one log
// record per row, partitioned by trip identifier.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/tripwise/faretrack"
	"github.com/tripwise/faretrack/logger"
)

// Ingestor turns bucket notifications into log records.
type Ingestor struct {
	Log        logger.Logger
	StreamName string
	S3         s3iface.S3API
	Appender   Appender
}

// HandleEvent processes one batch of object notifications. A missing
// stream name fails the batch before any object is touched. A failed
// object fetch or a row that fails to parse aborts that file only; the
// remaining notifications still run.
func (ing *Ingestor) HandleEvent(ctx context.Context, notifs []Notification) faretrack.Result {
	if ing.StreamName == "" {
		ing.Log.Errorf("Stream name not configured")
		return faretrack.Errorf("Stream name not configured")
	}

	for _, n := range notifs {
		ing.Log.Infof("New file detected: s3://%s/%s", n.Bucket, n.Key)
		if err := ing.processObject(ctx, n); err != nil {
			ing.Log.Errorf("Error processing file %s: %v", n.Key, err)
		}
	}
	return faretrack.Done()
}

func (ing *Ingestor) processObject(ctx context.Context, n Notification) error {
	out, err := ing.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(n.Bucket),
		Key:    aws.String(n.Key),
	})
	if err != nil {
		return errors.Wrapf(err, "fetching s3://%s/%s", n.Bucket, n.Key)
	}
	defer out.Body.Close()

	count, err := ing.publishRows(ctx, out.Body)
	if err != nil {
		return err
	}
	faretrack.CounterProducerFilesProcessed.Inc()
	ing.Log.Infof("Processed %d rows from file %s", count, n.Key)
	return nil
}

// publishRows parses header-delimited rows from r and appends one log
// record per row. An append failure is logged and the loop continues
// with the next row; a row that fails to parse ends the file.
func (ing *Ingestor) publishRows(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return 0, errors.Wrap(err, "reading header")
	}

	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, errors.Wrap(err, "reading row")
		}
		count++

		fields := make(map[string]string, len(header))
		for i, name := range header {
			fields[name] = record[i]
		}
		row := faretrack.RowFromFields(fields)
		ing.Log.Debugf("Processing row %d: %v", count, fields)

		payload, err := json.Marshal(row)
		if err != nil {
			return count, errors.Wrap(err, "encoding row")
		}
		if err := ing.Appender.Append(ctx, payload, row.PartitionKey()); err != nil {
			faretrack.CounterProducerRowErrors.Inc()
			ing.Log.Errorf("Error appending row %d for trip %q: %v", count, row.PartitionKey(), err)
			continue
		}
		faretrack.CounterProducerRowsAppended.Inc()
		ing.Log.Debugf("Sent trip %q to %s", row.PartitionKey(), ing.StreamName)
	}
}
