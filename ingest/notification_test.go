package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tripwise/faretrack/pipetest"
)

func TestParseNotifications(t *testing.T) {
	notifs, err := ParseNotifications([]byte(pipetest.ObjectEvent("trips", "2025/04/22.csv")))
	assert.NoError(t, err)
	assert.Equal(t, []Notification{{Bucket: "trips", Key: "2025/04/22.csv"}}, notifs)
}

func TestParseNotificationsMultipleRecords(t *testing.T) {
	const body = `{"Records":[
		{"eventSource":"aws:s3","s3":{"bucket":{"name":"trips"},"object":{"key":"a.csv"}}},
		{"eventSource":"aws:s3","s3":{"bucket":{"name":"trips"},"object":{"key":"b.csv"}}}
	]}`
	notifs, err := ParseNotifications([]byte(body))
	assert.NoError(t, err)
	assert.Equal(t, []Notification{
		{Bucket: "trips", Key: "a.csv"},
		{Bucket: "trips", Key: "b.csv"},
	}, notifs)
}

func TestParseNotificationsTopicEnvelope(t *testing.T) {
	inner := pipetest.ObjectEvent("trips", "wrapped.csv")
	envelope, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": inner,
	})
	assert.NoError(t, err)

	notifs, err := ParseNotifications(envelope)
	assert.NoError(t, err)
	assert.Equal(t, []Notification{{Bucket: "trips", Key: "wrapped.csv"}}, notifs)
}

func TestParseNotificationsEmptyEvent(t *testing.T) {
	notifs, err := ParseNotifications([]byte(`{"Records":[]}`))
	assert.NoError(t, err)
	assert.Empty(t, notifs)
}

func TestParseNotificationsMalformed(t *testing.T) {
	_, err := ParseNotifications([]byte("not json"))
	assert.Error(t, err)
}
