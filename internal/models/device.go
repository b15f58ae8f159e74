package models

import (
	"encoding/base64"
	"time"
)

type DeviceKind string

const DeviceKindADB DeviceKind = "adb"

type Device struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Kind   DeviceKind `json:"type"`
}

// Screenshot is a PNG frame captured from a device. DeviceID is empty when
// the bridge's default device was used.
type Screenshot struct {
	DeviceID   string
	Data       []byte
	CapturedAt time.Time
}

func (s *Screenshot) DataURI() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(s.Data)
}
