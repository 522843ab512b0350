package aggregate

import (
	"time"

	"github.com/pkg/errors"
)

// pickupTimeLayouts are tried in order when coercing pickup_datetime
// values. Input files usually carry zone-less timestamps.
var pickupTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParsePickupTime coerces a pickup_datetime value to a timestamp.
func ParsePickupTime(value string) (time.Time, error) {
	for _, layout := range pickupTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("unparseable pickup_datetime %q", value)
}

// KPI is the fare summary for one pickup_datetime group. The stats are
// nil when no fare in the group could be coerced to a number; the
// total stays zero in that case.
type KPI struct {
	PickupDatetime time.Time `json:"pickup_datetime"`
	TotalFare      float64   `json:"total_fare"`
	CountTrips     int       `json:"count_trips"`
	AverageFare    *float64  `json:"average_fare"`
	MaxFare        *float64  `json:"max_fare"`
	MinFare        *float64  `json:"min_fare"`
}

// Date returns the calendar day the KPI object is filed under.
func (k KPI) Date() string {
	return k.PickupDatetime.Format("2006-01-02")
}

// ComputeKPI summarizes one group's fares. A nil fare marks a value
// that could not be coerced to a number; it is excluded from every
// stat, including the trip count.
func ComputeKPI(pickup time.Time, fares []*float64) KPI {
	kpi := KPI{PickupDatetime: pickup}
	var max, min float64
	for _, fare := range fares {
		if fare == nil {
			continue
		}
		if kpi.CountTrips == 0 || *fare > max {
			max = *fare
		}
		if kpi.CountTrips == 0 || *fare < min {
			min = *fare
		}
		kpi.TotalFare += *fare
		kpi.CountTrips++
	}
	if kpi.CountTrips > 0 {
		avg := kpi.TotalFare / float64(kpi.CountTrips)
		kpi.AverageFare = &avg
		kpi.MaxFare = &max
		kpi.MinFare = &min
	}
	return kpi
}
