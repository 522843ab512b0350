package aggregate

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"

	"github.com/tripwise/faretrack/daemon"
	"github.com/tripwise/faretrack/errsink"
	"github.com/tripwise/faretrack/internal"
)

type Main struct {
	daemon.Config `flag:"!embed"`
	TableName     string        `help:"Name of the table trip items are read from."`
	Bucket        string        `help:"Bucket KPI objects are uploaded to."`
	Interval      time.Duration `help:"Time between aggregation runs."`
	Once          bool          `help:"Run a single aggregation pass and exit."`

	sqsClient sqsiface.SQSAPI
	s3client  s3iface.S3API
	dbClient  dynamodbiface.DynamoDBAPI
}

func NewMain() *Main {
	return &Main{
		Interval: 24 * time.Hour,
	}
}

func (m *Main) initAWS() error {
	m.Log().Infof("Initializing AWS session")
	sess, err := internal.NewSession(m.AWSRegion, m.AWSProfile)
	if err != nil {
		return err
	}
	m.sqsClient = sqs.New(sess)
	m.s3client = s3.New(sess)
	m.dbClient = dynamodb.New(sess)
	return nil
}

// Run executes aggregation passes on the configured interval, or a
// single pass with Once set. A failed scheduled pass is logged and the
// schedule continues; in Once mode the failure is returned.
func (m *Main) Run() error {
	if m.Log() == nil {
		if err := m.SetupLogger(); err != nil {
			return errors.Wrap(err, "setting up logger")
		}
	}
	if m.TableName == "" {
		return errors.New("missing required table name")
	}
	if m.Bucket == "" {
		return errors.New("missing required bucket")
	}
	if !m.Once && m.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	// allow mocking of AWS dependencies in unit tests
	if m.sqsClient == nil || m.s3client == nil || m.dbClient == nil {
		if err := m.initAWS(); err != nil {
			return err
		}
	}
	log := errsink.NewStreamLogger(m.Log(), errsink.QueueFrom(m.sqsClient, m.ErrorQueueName, "aggregator"))

	agg := &Aggregator{
		Log:    log,
		Table:  m.TableName,
		Bucket: m.Bucket,
		DB:     m.dbClient,
		S3:     m.s3client,
	}

	ctx, cancel := daemon.SignalContext(context.Background())
	defer cancel()

	m.ServeStats()

	if m.Once {
		return errors.Wrap(agg.Run(ctx), "running aggregation")
	}

	log.Printf("Aggregating fare KPIs from table %s every %s", m.TableName, m.Interval)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		if err := agg.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("Aggregation run failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
