package ingest

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
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
)

type Main struct {
	daemon.Config `flag:"!embed"`
	StreamName    string        `help:"Name of the log stream trip rows are appended to."`
	NotifyQueue   string        `help:"Name of the SQS queue delivering bucket object notifications."`
	LogBackend    string        `help:"Append-log backend, kinesis or kafka."`
	KafkaHosts    []string      `help:"Comma separated list of host:port pairs for Kafka brokers, when the kafka backend is selected."`
	KafkaTopic    string        `help:"Kafka topic trip rows are appended to, when the kafka backend is selected."`
	WaitTime      time.Duration `help:"Long-poll wait for each receive from the notification queue."`

	sqsClient     sqsiface.SQSAPI
	s3client      s3iface.S3API
	kinesisClient kinesisiface.KinesisAPI
	appender      Appender
}

func NewMain() *Main {
	return &Main{
		LogBackend: "kinesis",
		WaitTime:   20 * time.Second,
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
	return nil
}

// Run polls the notification queue and feeds each delivered event to the
// ingest handler. It returns on SIGINT or SIGTERM, or with an error when
// startup fails.
func (m *Main) Run() error {
	if m.Log() == nil {
		if err := m.SetupLogger(); err != nil {
			return errors.Wrap(err, "setting up logger")
		}
	}
	if m.NotifyQueue == "" {
		return errors.New("missing required notify queue")
	}

	// allow mocking of AWS dependencies in unit tests
	if m.sqsClient == nil || m.s3client == nil || m.kinesisClient == nil {
		if err := m.initAWS(); err != nil {
			return err
		}
	}
	log := errsink.NewStreamLogger(m.Log(), errsink.QueueFrom(m.sqsClient, m.ErrorQueueName, "producer"))

	appender, err := m.openAppender()
	if err != nil {
		return err
	}
	defer appender.Close()

	ing := &Ingestor{
		Log:        log,
		StreamName: m.StreamName,
		S3:         m.s3client,
		Appender:   appender,
	}

	urlOut, err := m.sqsClient.GetQueueUrl(&sqs.GetQueueUrlInput{QueueName: aws.String(m.NotifyQueue)})
	if err != nil {
		return errors.Wrapf(err, "resolving queue %s", m.NotifyQueue)
	}
	queueURL := urlOut.QueueUrl

	ctx, cancel := daemon.SignalContext(context.Background())
	defer cancel()

	m.ServeStats()
	log.Printf("Listening for object notifications on %s", m.NotifyQueue)

	for {
		if ctx.Err() != nil {
			return nil
		}
		recv, err := m.sqsClient.ReceiveMessage(&sqs.ReceiveMessageInput{
			QueueUrl:            queueURL,
			MaxNumberOfMessages: aws.Int64(10),
			WaitTimeSeconds:     aws.Int64(int64(m.WaitTime / time.Second)),
		})
		if err != nil {
			log.Errorf("receiving notifications: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, msg := range recv.Messages {
			m.handleMessage(ctx, ing, queueURL, msg)
		}
	}
}

func (m *Main) openAppender() (Appender, error) {
	if m.appender != nil {
		return m.appender, nil
	}
	switch m.LogBackend {
	case "", "kinesis":
		return &KinesisAppender{StreamName: m.StreamName, Client: m.kinesisClient}, nil
	case "kafka":
		if len(m.KafkaHosts) == 0 || m.KafkaTopic == "" {
			return nil, errors.New("kafka backend requires kafka-hosts and kafka-topic")
		}
		return NewKafkaAppender(m.Log(), m.KafkaHosts, m.KafkaTopic), nil
	default:
		return nil, errors.Errorf("unknown log backend %q", m.LogBackend)
	}
}

// handleMessage parses one queue message, runs the handler over its
// notifications, and deletes the message unless the batch failed. A body
// that cannot be parsed is deleted after logging; redelivery cannot fix
// it.
func (m *Main) handleMessage(ctx context.Context, ing *Ingestor, queueURL *string, msg *sqs.Message) {
	notifs, err := ParseNotifications([]byte(aws.StringValue(msg.Body)))
	if err != nil {
		ing.Log.Errorf("Dropping malformed notification message: %v", err)
		m.deleteMessage(ing, queueURL, msg)
		return
	}
	if res := ing.HandleEvent(ctx, notifs); res.Err() {
		ing.Log.Errorf("Ingest batch failed, leaving message for redelivery: %s", res.Message)
		return
	}
	m.deleteMessage(ing, queueURL, msg)
}

func (m *Main) deleteMessage(ing *Ingestor, queueURL *string, msg *sqs.Message) {
	_, err := m.sqsClient.DeleteMessage(&sqs.DeleteMessageInput{
		QueueUrl:      queueURL,
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		ing.Log.Errorf("deleting notification message: %v", err)
	}
}
