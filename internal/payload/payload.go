// Package payload encodes and decodes the pairing payload a host shows as a
// QR code. Two encodings exist: a URL carrying query parameters and a compact
// JSON object. Decode accepts either.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const ActionConnect = "connect"

var (
	ErrEmpty         = errors.New("payload is empty")
	ErrMissingIDs    = errors.New("payload must carry connectionId and hostDeviceId")
	ErrUnknownAction = errors.New("payload action is not connect")
	ErrUnknownFormat = errors.New("payload is neither a URL nor a JSON object")
)

type Payload struct {
	Action       string `json:"action"`
	ConnectionID string `json:"connectionId"`
	HostDeviceID string `json:"hostDeviceId"`
}

func New(connectionID, hostDeviceID string) Payload {
	return Payload{
		Action:       ActionConnect,
		ConnectionID: connectionID,
		HostDeviceID: hostDeviceID,
	}
}

// EncodeURL renders the payload as baseURL with query parameters.
func (p Payload) EncodeURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("action", p.Action)
	q.Set("connectionId", p.ConnectionID)
	q.Set("hostDeviceId", p.HostDeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p Payload) EncodeJSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a scanned payload in either encoding.
func Decode(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, ErrEmpty
	}

	var p Payload
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return Payload{}, fmt.Errorf("decode json payload: %w", err)
		}
	} else {
		u, err := url.Parse(raw)
		if err != nil || u.RawQuery == "" {
			return Payload{}, ErrUnknownFormat
		}
		q := u.Query()
		p = Payload{
			Action:       q.Get("action"),
			ConnectionID: q.Get("connectionId"),
			HostDeviceID: q.Get("hostDeviceId"),
		}
	}

	if p.Action != "" && p.Action != ActionConnect {
		return Payload{}, ErrUnknownAction
	}
	if p.ConnectionID == "" || p.HostDeviceID == "" {
		return Payload{}, ErrMissingIDs
	}
	p.Action = ActionConnect
	return p, nil
}

// LooksLikePayload tells a scanned payload apart from a typed PIN.
func LooksLikePayload(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.Contains(s, "://") || strings.Contains(s, "?")
}
