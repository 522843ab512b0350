package faretrack

import (
	"encoding/json"
	"sort"
)

// Row is one parsed line of a trip file. The columns the pipeline acts
// on are explicit fields; every other column passes through Extra
// untouched. Values stay strings end to end — the aggregator owns
// numeric and time coercion.
//
// A known field left empty means the column was missing or carried no
// value; such columns are preserved verbatim in Extra so the published
// payload is byte-for-byte faithful to the source row.
type Row struct {
	TripID              string
	PickupDatetime      string
	FareAmount          string
	EstimatedFareAmount string
	Extra               map[string]string
}

// RowFromFields builds a Row from a flat column mapping. Known columns
// with non-empty values populate the typed fields; everything else,
// including known columns with empty values, lands in Extra.
func RowFromFields(fields map[string]string) Row {
	r := Row{}
	for k, v := range fields {
		if v != "" {
			switch k {
			case FieldTripID:
				r.TripID = v
				continue
			case FieldPickupDatetime:
				r.PickupDatetime = v
				continue
			case FieldFareAmount:
				r.FareAmount = v
				continue
			case FieldEstimatedFareAmount:
				r.EstimatedFareAmount = v
				continue
			}
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[k] = v
	}
	return r
}

// Fields returns the flat column view of the row, known fields and
// extras merged into one mapping.
func (r Row) Fields() map[string]string {
	fields := make(map[string]string, len(r.Extra)+4)
	for k, v := range r.Extra {
		fields[k] = v
	}
	if r.TripID != "" {
		fields[FieldTripID] = r.TripID
	}
	if r.PickupDatetime != "" {
		fields[FieldPickupDatetime] = r.PickupDatetime
	}
	if r.FareAmount != "" {
		fields[FieldFareAmount] = r.FareAmount
	}
	if r.EstimatedFareAmount != "" {
		fields[FieldEstimatedFareAmount] = r.EstimatedFareAmount
	}
	return fields
}

// PartitionKey returns the trip identifier used to partition the append
// log. A row with no trip_id column at all gets the "unknown" sentinel.
// A trip_id column that is present but empty returns the empty string,
// which the log client rejects, failing that row's append.
func (r Row) PartitionKey() string {
	if r.TripID != "" {
		return r.TripID
	}
	if _, present := r.Extra[FieldTripID]; present {
		return ""
	}
	return UnknownTripID
}

// ColumnNames returns the row's column names in sorted order.
func (r Row) ColumnNames() []string {
	fields := r.Fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders the row as a single flat JSON object, which is
// the wire shape the merger consumes.
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// UnmarshalJSON rebuilds a Row from the flat object shape.
func (r *Row) UnmarshalJSON(data []byte) error {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = RowFromFields(fields)
	return nil
}
