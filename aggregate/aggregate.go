// Package aggregate computes daily fare statistics over the trip
// store. A run scans every trip that carries both an actual and an
// estimated fare amount, groups the trips by their exact pickup
// timestamp, and writes one KPI object per group to the analytics
// bucket under a per-day path.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tripwise/faretrack"
	"github.com/tripwise/faretrack/logger"
)

// Aggregator computes and publishes per-day fare KPIs.
type Aggregator struct {
	Log    logger.Logger
	Table  string
	Bucket string
	DB     dynamodbiface.DynamoDBAPI
	S3     s3iface.S3API
}

// Run executes one full aggregation pass. Unlike the row-oriented
// stages, any failure here fails the whole run: scan errors, an
// unparseable pickup timestamp, or an upload error all propagate.
// Objects uploaded before the failure stay in the bucket.
func (a *Aggregator) Run(ctx context.Context) error {
	faretrack.CounterAggregatorRuns.Inc()
	a.Log.Infof("Scanning table %s for completed trips", a.Table)
	items, err := a.scanCompletedTrips(ctx)
	if err != nil {
		return err
	}
	a.Log.Infof("Retrieved %d trip records", len(items))

	if len(items) == 0 {
		a.Log.Warnf("No trip records matched the filter")
		return nil
	}

	groups, err := groupByPickupTime(items)
	if err != nil {
		return err
	}

	a.Log.Infof("Calculating KPIs for %d groups", len(groups))
	kpis := make([]KPI, 0, len(groups))
	for pickup, fares := range groups {
		kpis = append(kpis, ComputeKPI(pickup, fares))
	}

	if err := a.uploadKPIs(kpis); err != nil {
		return err
	}
	a.Log.Infof("All KPIs uploaded successfully")
	return nil
}

// scanCompletedTrips pages through the trip table, keeping records
// that have both a fare_amount and an estimated_fare_amount.
func (a *Aggregator) scanCompletedTrips(ctx context.Context) ([]map[string]*dynamodb.AttributeValue, error) {
	filter := expression.And(
		expression.Name(faretrack.FieldFareAmount).AttributeExists(),
		expression.Name(faretrack.FieldEstimatedFareAmount).AttributeExists(),
	)
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, errors.Wrap(err, "building filter expression")
	}

	var items []map[string]*dynamodb.AttributeValue
	var startKey map[string]*dynamodb.AttributeValue
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := a.DB.Scan(&dynamodb.ScanInput{
			TableName:                 aws.String(a.Table),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, "scanning trip table")
		}
		items = append(items, out.Items...)

		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// groupByPickupTime buckets each record's coerced fare under the
// record's exact pickup timestamp. Records with no pickup_datetime are
// dropped; a pickup_datetime that is present but unparseable fails the
// run.
func groupByPickupTime(items []map[string]*dynamodb.AttributeValue) (map[time.Time][]*float64, error) {
	groups := make(map[time.Time][]*float64)
	for _, item := range items {
		pickup := attrValue(item, faretrack.FieldPickupDatetime)
		if pickup == "" {
			continue
		}
		ts, err := ParsePickupTime(pickup)
		if err != nil {
			return nil, err
		}
		groups[ts] = append(groups[ts], coerceFare(item[faretrack.FieldFareAmount]))
	}
	return groups, nil
}

// uploadKPIs writes one object per group. Groups sharing a calendar
// day share one object key and are written oldest first; distinct days
// upload in parallel.
func (a *Aggregator) uploadKPIs(kpis []KPI) error {
	byDay := make(map[string][]KPI)
	for _, kpi := range kpis {
		byDay[kpi.Date()] = append(byDay[kpi.Date()], kpi)
	}

	var eg errgroup.Group
	for _, day := range byDay {
		day := day
		sort.Slice(day, func(i, j int) bool {
			return day[i].PickupDatetime.Before(day[j].PickupDatetime)
		})
		eg.Go(func() error {
			for _, kpi := range day {
				if err := a.writeKPI(kpi); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

func (a *Aggregator) writeKPI(kpi KPI) error {
	body, err := json.Marshal(kpi)
	if err != nil {
		return errors.Wrap(err, "encoding kpi")
	}
	key := fmt.Sprintf("kpis/date=%s/kpi.json", kpi.Date())

	a.Log.Infof("Uploading KPI for %s to s3://%s/%s", kpi.Date(), a.Bucket, key)
	_, err = a.S3.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(a.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "uploading kpi for %s", kpi.Date())
	}
	faretrack.CounterAggregatorKPIsWritten.WithLabelValues(kpi.Date()).Inc()
	return nil
}

// attrValue reads an attribute as its textual value, from either a
// string or a number attribute.
func attrValue(item map[string]*dynamodb.AttributeValue, name string) string {
	av, ok := item[name]
	if !ok {
		return ""
	}
	switch {
	case av.S != nil:
		return *av.S
	case av.N != nil:
		return *av.N
	default:
		return ""
	}
}

// coerceFare converts a fare attribute to a number. Anything that does
// not parse becomes a nil marker rather than an error.
func coerceFare(av *dynamodb.AttributeValue) *float64 {
	value := ""
	switch {
	case av == nil:
		return nil
	case av.S != nil:
		value = *av.S
	case av.N != nil:
		value = *av.N
	}
	fare, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &fare
}
