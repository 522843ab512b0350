package merge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/tripwise/faretrack/internal"
	"github.com/tripwise/faretrack/logger"
)

const (
	defaultFetchBatchSize                 = 10000
	defaultFetchQueriesPerSecondAtTip     = 1
	defaultFetchQueriesPerSecondBehindTip = 5

	fetchErrorBackoff   = 10 * time.Second
	activeStreamBackoff = 5 * time.Second
	closedShardBackoff  = 1 * time.Second

	shardStatusActive  = "ACTIVE"
	shardStatusPending = "PENDING"
	shardStatusClosed  = "CLOSED"
)

// ShardRecord wraps one stream record with its shard and a local
// consume index used for offset tracking.
type ShardRecord struct {
	ShardID string
	Index   uint64
	*kinesis.Record
}

// StreamReader consumes the trip log stream shard by shard. After a
// reshard, child shards are read only once their parents are exhausted,
// preserving per-trip ordering. Committed positions persist as a JSON
// offsets file, locally or on S3.
type StreamReader struct {
	recordsChan chan ShardRecord
	StreamReaderConfig
	offsets *StreamOffsets
	// tracks which shards have been consumed to their end
	shardStatus sync.Map
	stopCh      chan struct{}
	refreshMtx  sync.Mutex
}

type StreamReaderConfig struct {
	log                            logger.Logger
	streamName                     string
	offsetsPath                    string
	kinesisClient                  kinesisiface.KinesisAPI
	s3client                       s3iface.S3API
	fetchBatchSize                 int
	fetchQueriesPerSecondAtTip     int
	fetchQueriesPerSecondBehindTip int
}

func NewStreamReader(cfg StreamReaderConfig) (*StreamReader, error) {
	if cfg.fetchBatchSize == 0 {
		cfg.fetchBatchSize = defaultFetchBatchSize
	}
	if cfg.fetchQueriesPerSecondAtTip == 0 {
		cfg.fetchQueriesPerSecondAtTip = defaultFetchQueriesPerSecondAtTip
	}
	if cfg.fetchQueriesPerSecondBehindTip == 0 {
		cfg.fetchQueriesPerSecondBehindTip = defaultFetchQueriesPerSecondBehindTip
	}

	offsets, err := readOffsets(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "reading stored offsets")
	}

	return &StreamReader{
		recordsChan:        make(chan ShardRecord, 100),
		StreamReaderConfig: cfg,
		offsets:            offsets,
		shardStatus:        sync.Map{},
		stopCh:             make(chan struct{}),
	}, nil
}

// Start discovers the stream's shards and begins reading them. It
// returns once every current shard has a reader goroutine.
func (r *StreamReader) Start() error {
	if err := r.refreshShards(); err != nil {
		return errors.Wrap(err, "refreshing stream shards")
	}
	return nil
}

func (r *StreamReader) Close() {
	r.log.Infof("Stopping trip log reader")
	close(r.stopCh)
}

// FetchMessage returns the next record from any shard, blocking until
// one arrives, the reader closes (io.EOF), or ctx ends.
func (r *StreamReader) FetchMessage(ctx context.Context) (ShardRecord, error) {
	if err := ctx.Err(); err != nil {
		return ShardRecord{}, err
	}

	select {
	case record, ok := <-r.recordsChan:
		if !ok {
			return ShardRecord{}, io.EOF
		}
		return record, nil

	case <-ctx.Done():
		return ShardRecord{}, ctx.Err()
	}
}

// CommitMessages records the given records' positions and persists the
// offsets file.
func (r *StreamReader) CommitMessages(ctx context.Context, msgs ...ShardRecord) error {
	r.log.Debugf("Committing %d records", len(msgs))
	now := time.Now().UTC().Format(time.RFC3339)

	for _, msg := range msgs {
		r.offsets.Store(msg.ShardID, &ShardOffset{
			ArrivalTime:    (*msg.ApproximateArrivalTimestamp).UTC().Format(time.RFC3339),
			CommittedTime:  now,
			Index:          atomic.LoadUint64(&msg.Index),
			SequenceNumber: *msg.SequenceNumber,
		})
	}

	data, err := r.offsets.marshal()
	if err != nil {
		return errors.Wrap(err, "encoding offsets")
	}
	return internal.WriteFileOrURL(r.offsetsPath, data, r.s3client)
}

// refreshShards lists the stream's shards, waiting out any non-active
// stream status, and starts a reader for every shard not seen before.
func (r *StreamReader) refreshShards() error {
	r.log.Infof("Syncing shards for stream %s", r.streamName)
	r.refreshMtx.Lock()
	defer r.refreshMtx.Unlock()

	for {
		stream, err := r.kinesisClient.DescribeStream(
			&kinesis.DescribeStreamInput{StreamName: aws.String(r.streamName)})

		if err != nil {
			if aerr, ok := err.(awserr.Error); ok {
				switch aerr.Code() {
				case kinesis.ErrCodeResourceNotFoundException:
					return errors.Wrapf(err, "stream %s does not exist", r.streamName)
				}
			}
			r.log.Errorf("DescribeStream failed: %v", err)
			return errors.Wrap(err, "describing stream")
		}

		if *stream.StreamDescription.StreamStatus == kinesis.StreamStatusActive {
			for _, shard := range stream.StreamDescription.Shards {
				shardID := *shard.ShardId
				// unseen shards get their own reader
				if _, exists := r.shardStatus.LoadOrStore(shardID, shardStatusPending); !exists {
					r.log.Infof("Discovered shard %s", shardID)
					go r.runShardReader(shard)
				}
			}
			return nil
		}

		r.log.Infof("Stream %s not active yet, waiting", r.streamName)
		time.Sleep(activeStreamBackoff)
	}
}

func (r *StreamReader) runShardReader(shard *kinesis.Shard) {
	for !r.canConsume(shard) {
		r.log.Debugf("Holding shard %s until its parents are exhausted", *shard.ShardId)
		time.Sleep(closedShardBackoff)
	}
	r.shardStatus.Store(*shard.ShardId, shardStatusActive)
	reader := r.newShardReader(*shard.ShardId)
	// start returns when the shard has been closed
	reader.start()
	r.shardStatus.Store(*shard.ShardId, shardStatusClosed)

	select {
	case <-r.stopCh:
		return
	default:
		r.log.Infof("Shard closed, rescanning the stream for children")
		if err := r.refreshShards(); err != nil {
			// cannot recover
			panic("failed to rescan shards after a close event")
		}
	}
}

func (r *StreamReader) isShardClosed(shardID string) bool {
	// shards missing from the status map expired before this reader
	// started, treat them as closed
	if status, found := r.shardStatus.Load(shardID); found && status != shardStatusClosed {
		return false
	}
	return true
}

// canConsume reports whether the shard's parent and adjacent parent,
// when present, have both been consumed to the end.
func (r *StreamReader) canConsume(shard *kinesis.Shard) bool {
	return (shard.ParentShardId == nil || r.isShardClosed(*shard.ParentShardId)) &&
		(shard.AdjacentParentShardId == nil || r.isShardClosed(*shard.AdjacentParentShardId))
}

func (r *StreamReader) getShardIterator(shardID string) *string {
	r.log.Infof("Requesting iterator for shard %s", shardID)
	input := &kinesis.GetShardIteratorInput{
		ShardId:           aws.String(shardID),
		ShardIteratorType: aws.String(kinesis.ShardIteratorTypeTrimHorizon),
		StreamName:        aws.String(r.streamName),
	}

	if shardOffset, ok := r.offsets.Load(shardID); ok {
		r.log.Infof("Resuming shard %s after sequence number %s", shardID, shardOffset.SequenceNumber)
		input.ShardIteratorType = aws.String(kinesis.ShardIteratorTypeAfterSequenceNumber)
		input.StartingSequenceNumber = &shardOffset.SequenceNumber
	}

	out, err := r.kinesisClient.GetShardIterator(input)
	if err != nil {
		panic(errors.Wrap(err, "acquiring shard iterator"))
	}
	return out.ShardIterator
}

// loadRecordIndex returns the shard's committed record index, starting
// at zero for shards with no stored offset.
func (r *StreamReader) loadRecordIndex(shardID string) *uint64 {
	var idx uint64
	if shardOffset, ok := r.offsets.Load(shardID); ok {
		atomic.StoreUint64(&idx, shardOffset.Index)
	}
	return &idx
}

type shardReader struct {
	*StreamReader
	shardID       string
	shardIterator *string
	recordIdx     *uint64
	atTip         bool
	limiter       *rate.Limiter
}

func (r *StreamReader) newShardReader(shardID string) *shardReader {
	return &shardReader{
		StreamReader:  r,
		shardID:       shardID,
		shardIterator: r.getShardIterator(shardID),
		recordIdx:     r.loadRecordIndex(shardID),
		atTip:         false,
		limiter:       rate.NewLimiter(rate.Limit(r.fetchQueriesPerSecondBehindTip), 1),
	}
}

// start consumes records from one shard until the shard is closed.
func (r *shardReader) start() {
	r.log.Infof("Reading records from shard %s", r.shardID)
	defer r.log.Infof("Done with shard %s", r.shardID)

	for {
		select {
		case <-r.stopCh:
			return
		default:
			if err := r.pollRecords(); err != nil {
				r.log.Errorf("Backing off due to GetRecords error: %v", err)
				time.Sleep(fetchErrorBackoff)
			}
		}
		if r.shardIterator == nil {
			r.log.Infof("Shard %s reached its end", r.shardID)
			return
		}
	}
}

func (r *shardReader) pollRecords() error {
	if err := r.limiter.Wait(context.Background()); err != nil {
		r.log.Warnf("Rate limiter wait failed: %v", err)
	}
	batch, err := r.kinesisClient.GetRecords(&kinesis.GetRecordsInput{
		Limit:         aws.Int64(int64(r.fetchBatchSize)),
		ShardIterator: r.shardIterator,
	})

	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case kinesis.ErrCodeExpiredIteratorException:
				r.log.Warnf("Iterator for shard %s expired, renewing", r.shardID)
				// retry with the fresh iterator on the next pass
				r.shardIterator = r.getShardIterator(r.shardID)
				return nil
			}
		}
		return err
	}

	if len(batch.Records) > 0 {
		r.log.Debugf("Pulled %d records from shard %s", len(batch.Records), r.shardID)
		for _, rec := range batch.Records {
			r.recordsChan <- ShardRecord{ShardID: r.shardID, Index: atomic.AddUint64(r.recordIdx, 1), Record: rec}
		}
	}

	r.shardIterator = batch.NextShardIterator
	if batch.NextShardIterator == nil {
		return nil
	}

	if *batch.MillisBehindLatest == 0 {
		if !r.atTip {
			r.log.Debugf("At the tip of shard %s, slowing polls", r.shardID)
			r.limiter.SetLimit(rate.Limit(r.fetchQueriesPerSecondAtTip))
			r.atTip = true
		}
	} else {
		if r.atTip {
			r.log.Debugf("Behind the tip of shard %s, speeding up polls", r.shardID)
			r.limiter.SetLimit(rate.Limit(r.fetchQueriesPerSecondBehindTip))
			r.atTip = false
		}
	}
	return nil
}

// ShardOffset is the committed position of one shard.
type ShardOffset struct {
	ArrivalTime    string `json:"arrival_time"`
	CommittedTime  string `json:"committed_time"`
	Index          uint64 `json:"index"`
	SequenceNumber string `json:"sequence_number"`
}

// StreamOffsets is the persisted form of a stream's committed
// positions.
type StreamOffsets struct {
	// guards Shards
	mu         sync.RWMutex
	StreamName string                  `json:"stream_name"`
	Shards     map[string]*ShardOffset `json:"shards"`
}

// Load returns the ShardOffset for the shard in a thread safe manner.
func (o *StreamOffsets) Load(shardID string) (*ShardOffset, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.Shards[shardID]
	return v, ok
}

// Store records the shard's offset in a thread safe manner.
func (o *StreamOffsets) Store(shardID string, offset *ShardOffset) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Shards[shardID] = offset
}

func (o *StreamOffsets) marshal() ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return json.Marshal(o)
}

func readOffsets(cfg StreamReaderConfig) (*StreamOffsets, error) {
	raw, err := internal.ReadFileOrURL(cfg.offsetsPath, cfg.s3client)
	if err != nil {
		if err == internal.ErrNotFound {
			return &StreamOffsets{
				StreamName: cfg.streamName,
				Shards:     make(map[string]*ShardOffset),
			}, nil
		}
		return nil, errors.Wrap(err, "reading offsets path")
	}

	var offsets StreamOffsets
	if err := json.Unmarshal(raw, &offsets); err != nil {
		return nil, errors.Wrap(err, "decoding offsets")
	}
	if offsets.Shards == nil {
		offsets.Shards = make(map[string]*ShardOffset)
	}
	cfg.log.Infof("Loaded offsets for %d shards", len(offsets.Shards))
	return &offsets, nil
}
