package merge

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"

	"github.com/tripwise/faretrack/daemon"
	"github.com/tripwise/faretrack/errsink"
	"github.com/tripwise/faretrack/internal"
	"github.com/tripwise/faretrack/logger"
)

type Main struct {
	daemon.Config `flag:"!embed"`
	TableName     string        `help:"Name of the table trip items are merged into."`
	StreamName    string        `help:"Name of the log stream to consume trip records from."`
	OffsetsPath   string        `help:"Path where the offsets file will be written. May be a path on the local filesystem, or an S3 URI."`
	LogBackend    string        `help:"Append-log backend, kinesis or kafka."`
	KafkaHosts    []string      `help:"Comma separated list of host:port pairs for Kafka brokers, when the kafka backend is selected."`
	KafkaGroupID  string        `help:"Kafka consumer group id, when the kafka backend is selected."`
	KafkaTopic    string        `help:"Kafka topic to consume trip records from, when the kafka backend is selected."`
	BatchSize     int           `help:"Number of records to merge at once."`
	Timeout       time.Duration `help:"Time to wait for more records before flushing a partial batch. 0 to disable."`

	sqsClient     sqsiface.SQSAPI
	s3client      s3iface.S3API
	kinesisClient kinesisiface.KinesisAPI
	dbClient      dynamodbiface.DynamoDBAPI
	fetcher       RecordFetcher
}

func NewMain() *Main {
	return &Main{
		LogBackend: "kinesis",
		BatchSize:  500,
		Timeout:    time.Second,
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
	m.kinesisClient = kinesis.New(sess)
	m.dbClient = dynamodb.New(sess)
	return nil
}

// Run consumes the append log and merges records into the trip table in
// batches. It returns on SIGINT or SIGTERM, or with an error when
// startup or offset tracking fails.
func (m *Main) Run() error {
	if m.Log() == nil {
		if err := m.SetupLogger(); err != nil {
			return errors.Wrap(err, "setting up logger")
		}
	}
	if m.TableName == "" {
		return errors.New("missing required table name")
	}

	// allow mocking of AWS dependencies in unit tests
	if m.sqsClient == nil || m.s3client == nil || m.kinesisClient == nil || m.dbClient == nil {
		if err := m.initAWS(); err != nil {
			return err
		}
	}
	log := errsink.NewStreamLogger(m.Log(), errsink.QueueFrom(m.sqsClient, m.ErrorQueueName, "consumer"))

	fetcher, err := m.openFetcher(log)
	if err != nil {
		return err
	}
	defer fetcher.Close()

	merger := &Merger{
		Log:   log,
		Table: m.TableName,
		DB:    m.dbClient,
	}

	ctx, cancel := daemon.SignalContext(context.Background())
	defer cancel()

	m.ServeStats()
	log.Printf("Merging append log records into table %s", m.TableName)

	return m.consume(ctx, fetcher, merger)
}

// consume runs the fetch, merge, commit loop until ctx ends. Offsets
// are committed only after the batch they cover has been handled, so a
// crash between merge and commit replays records rather than losing
// them.
func (m *Main) consume(ctx context.Context, fetcher RecordFetcher, merger *Merger) error {
	batch := make([]Record, 0, m.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		merger.HandleBatch(ctx, batch)
		batch = batch[:0]
		return errors.Wrap(fetcher.Commit(context.Background()), "committing offsets")
	}

	for {
		fetchCtx := ctx
		cancel := context.CancelFunc(func() {})
		if len(batch) > 0 && m.Timeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		}
		rec, err := fetcher.Fetch(fetchCtx)
		cancel()

		switch {
		case err == nil:
			batch = append(batch, rec)
			if len(batch) >= m.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case err == context.DeadlineExceeded && ctx.Err() == nil:
			// batch timeout, flush what we have
			if err := flush(); err != nil {
				return err
			}

		case ctx.Err() != nil, err == io.EOF:
			return flush()

		default:
			return errors.Wrap(err, "fetching record")
		}
	}
}

func (m *Main) openFetcher(log logger.Logger) (RecordFetcher, error) {
	if m.fetcher != nil {
		return m.fetcher, nil
	}
	switch m.LogBackend {
	case "", "kinesis":
		if m.StreamName == "" || m.OffsetsPath == "" {
			return nil, errors.New("kinesis backend requires stream-name and offsets-path")
		}
		return openStreamFetcher(StreamReaderConfig{
			log:           log,
			streamName:    m.StreamName,
			offsetsPath:   m.OffsetsPath,
			kinesisClient: m.kinesisClient,
			s3client:      m.s3client,
		})
	case "kafka":
		if len(m.KafkaHosts) == 0 || m.KafkaGroupID == "" || m.KafkaTopic == "" {
			return nil, errors.New("kafka backend requires kafka-hosts, kafka-group-id and kafka-topic")
		}
		return openKafkaFetcher(log, m.KafkaHosts, m.KafkaGroupID, m.KafkaTopic), nil
	default:
		return nil, errors.Errorf("unknown log backend %q", m.LogBackend)
	}
}
