package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// ContentEntry is an immutable item in a connection's content channel.
// ID increases with CreatedAt and breaks ties between equal timestamps.
type ContentEntry struct {
	ID                int64       `db:"id" json:"id"`
	ConnectionID      string      `db:"connection_id" json:"connectionId"`
	ContentType       ContentType `db:"content_type" json:"contentType"`
	Content           string      `db:"content" json:"content"`
	SenderDeviceID    string      `db:"sender_device_id" json:"senderDeviceId"`
	RecipientDeviceID string      `db:"recipient_device_id" json:"recipientDeviceId"`
	CreatedAt         time.Time   `db:"created_at" json:"createdAt"`
}

// EventID is the SSE event id used as a resume cursor.
func (e *ContentEntry) EventID() string {
	return strconv.FormatInt(e.ID, 10)
}

// ToEventData returns JSON data for content feed events
func (e *ContentEntry) ToEventData() json.RawMessage {
	data, _ := json.Marshal(e)
	return data
}

type CreateContentEntryParams struct {
	ConnectionID      string
	ContentType       ContentType
	Content           string
	SenderDeviceID    string
	RecipientDeviceID string
}
