// Package wire defines the JSON frame envelope exchanged over the
// websocket connection and the entity-kind vocabulary carried in it.
package wire

import "encoding/json"

// Frame is the single envelope shape for every message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Client -> server frame types.
const (
	TypeAuthRequest  = "authentication_request"
	TypeSyncRequest  = "sync_request"
	TypeSyncComplete = "sync_complete"
	TypePing         = "ping"
)

// Server -> client frame types not tied to an entity kind.
const (
	TypeAuthResponse       = "authentication_response"
	TypeSyncFromServerDone = "sync_from_server_complete"
	TypeSyncToServerDone   = "sync_to_server_complete"
	TypePong               = "pong"
)

// Kind enumerates the seven synchronized entity kinds, in the fixed
// dependency-respecting replay order the Sync Service must honor.
type Kind string

const (
	KindUser     Kind = "user"
	KindSawmill  Kind = "sawmill"
	KindContract Kind = "contract"
	KindLocation Kind = "location"
	KindShipment Kind = "shipment"
	KindNote     Kind = "note"
	KindPhoto    Kind = "photo"
)

// Kinds is the fixed replay order: referents before referers.
var Kinds = []Kind{KindUser, KindSawmill, KindContract, KindLocation, KindShipment, KindNote, KindPhoto}

// UpdateType returns the wire type for this kind's update/marker/ack frames,
// e.g. "contract_update".
func (k Kind) UpdateType() string {
	return string(k) + "_update"
}

// TableName returns the row-store table backing this kind.
func (k Kind) TableName() string {
	switch k {
	case KindUser:
		return "users"
	case KindSawmill:
		return "sawmills"
	case KindContract:
		return "contracts"
	case KindLocation:
		return "locations"
	case KindShipment:
		return "shipments"
	case KindNote:
		return "notes"
	case KindPhoto:
		return "photos"
	}
	return ""
}

// KindFromUpdateType maps "contract_update" back to KindContract. The
// second return value is false for unknown or non-update types.
func KindFromUpdateType(typ string) (Kind, bool) {
	for _, k := range Kinds {
		if k.UpdateType() == typ {
			return k, true
		}
	}
	return "", false
}

// SyncWatermarks is the per-kind watermark record carried in a
// sync_request frame's data. Missing keys default to 0 on decode.
type SyncWatermarks struct {
	User     int64 `json:"user_update"`
	Sawmill  int64 `json:"sawmill_update"`
	Contract int64 `json:"contract_update"`
	Location int64 `json:"location_update"`
	Shipment int64 `json:"shipment_update"`
	Note     int64 `json:"note_update"`
	Photo    int64 `json:"photo_update"`
}

// Get returns the watermark for the given kind.
func (w SyncWatermarks) Get(k Kind) int64 {
	switch k {
	case KindUser:
		return w.User
	case KindSawmill:
		return w.Sawmill
	case KindContract:
		return w.Contract
	case KindLocation:
		return w.Location
	case KindShipment:
		return w.Shipment
	case KindNote:
		return w.Note
	case KindPhoto:
		return w.Photo
	}
	return 0
}

// AuthRequestData is the data payload of an authentication_request frame.
type AuthRequestData struct {
	APIKey string `json:"apiKey"`
}

// AuthResponseOK is the data payload of a successful authentication_response.
type AuthResponseOK struct {
	Authenticated int    `json:"authenticated"`
	ID            string `json:"id"`
	Role          int64  `json:"role"`
	Name          string `json:"name"`
	LastEdit      int64  `json:"lastEdit"`
}

// AuthResponseFail is the data payload of a failed authentication_response.
type AuthResponseFail struct {
	Authenticated int    `json:"authenticated"`
	Error         string `json:"error"`
}

// SyncMarker is the data payload of a per-kind replay-complete marker frame.
type SyncMarker struct {
	NewSyncDate int64 `json:"newSyncDate"`
}

// UpdateAck is the data payload of a synthetic non-delete acknowledgement
// frame sent back to the originator of a mutation.
type UpdateAck struct {
	ID     string `json:"id"`
	Synced int    `json:"synced"`
}
