package ingest

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Notification identifies one object that landed in the trip bucket.
type Notification struct {
	Bucket string
	Key    string
}

// objectEvent mirrors the bucket notification JSON delivered when an
// object is created.
type objectEvent struct {
	Records []objectEventRecord `json:"Records"`
}

type objectEventRecord struct {
	EventSource string `json:"eventSource"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// topicEnvelope is the wrapper applied when bucket events are fanned
// out through a notification topic before reaching the queue.
type topicEnvelope struct {
	Message string `json:"Message"`
}

// ParseNotifications extracts object notifications from a raw event
// body. The body may be the bucket event itself or a topic envelope
// wrapping one.
func ParseNotifications(body []byte) ([]Notification, error) {
	var event objectEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, errors.Wrap(err, "parsing object event")
	}
	if len(event.Records) == 0 {
		var env topicEnvelope
		if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
			return ParseNotifications([]byte(env.Message))
		}
	}

	notifs := make([]Notification, 0, len(event.Records))
	for _, rec := range event.Records {
		notifs = append(notifs, Notification{
			Bucket: rec.S3.Bucket.Name,
			Key:    rec.S3.Object.Key,
		})
	}
	return notifs, nil
}
