package model

import (
	"encoding/json"
	"time"
)

// ConnectionRecord is one pairing session between a host and at most one guest.
type ConnectionRecord struct {
	ConnectionID  string           `db:"connection_id" json:"connectionId"`
	HostDeviceID  string           `db:"host_device_id" json:"hostDeviceId"`
	GuestDeviceID *string          `db:"guest_device_id" json:"guestDeviceId,omitempty"`
	PinCode       *string          `db:"pin_code" json:"-"`
	PinIssuedAt   *time.Time       `db:"pin_issued_at" json:"-"`
	Status        ConnectionStatus `db:"status" json:"status"`
	CreatedAt     time.Time        `db:"created_at" json:"createdAt"`
	ConnectedAt   *time.Time       `db:"connected_at" json:"connectedAt,omitempty"`
}

func (c *ConnectionRecord) IsConnected() bool {
	return c.Status == ConnectionStatusConnected && c.GuestDeviceID != nil
}

// IsParty reports whether deviceID is the host or the attached guest.
func (c *ConnectionRecord) IsParty(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	if c.HostDeviceID == deviceID {
		return true
	}
	return c.GuestDeviceID != nil && *c.GuestDeviceID == deviceID
}

// PeerOf resolves the other party of a connected record. It returns false
// while the record is pending or when deviceID is not a party.
func (c *ConnectionRecord) PeerOf(deviceID string) (string, bool) {
	if !c.IsConnected() {
		return "", false
	}
	switch deviceID {
	case c.HostDeviceID:
		return *c.GuestDeviceID, true
	case *c.GuestDeviceID:
		return c.HostDeviceID, true
	}
	return "", false
}

// HasLivePin reports whether the record holds a PIN issued at or after notBefore.
func (c *ConnectionRecord) HasLivePin(notBefore time.Time) bool {
	return c.PinCode != nil && c.PinIssuedAt != nil && !c.PinIssuedAt.Before(notBefore)
}

// ToEventData returns JSON data for connection feed events
func (c *ConnectionRecord) ToEventData() json.RawMessage {
	data, _ := json.Marshal(c)
	return data
}

type CreateConnectionParams struct {
	ConnectionID string
	HostDeviceID string
}

// MarkConnectedParams describes a conditional pending -> connected update.
// HostDeviceID and PinCode are optional match predicates; empty means
// "do not filter on it".
type MarkConnectedParams struct {
	ConnectionID   string
	HostDeviceID   string
	PinCode        string
	GuestDeviceID  string
	CreatedAfter   time.Time
	PinIssuedAfter time.Time
}

type SetPinParams struct {
	ConnectionID string
	HostDeviceID string
	PinCode      string
	IssuedAt     time.Time
	CreatedAfter time.Time
}
