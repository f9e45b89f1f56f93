package interfaces

import (
	"encoding/json"

	"proctorhub/pkg/types"
)

// Fanout operations mirror the router's delivery primitives.
const (
	FanoutRoom    = "room"
	FanoutRole    = "role"
	FanoutUnicast = "unicast"
	FanoutMember  = "member"
)

// FanoutEnvelope is one delivery forwarded to the other hub processes.
// Each receiving process applies it to its own local members only.
type FanoutEnvelope struct {
	Instance string          `json:"instance"`
	Op       string          `json:"op"`
	Room     types.RoomRef   `json:"room"`
	Role     string          `json:"role,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Target   string          `json:"target,omitempty"`
	Exclude  string          `json:"exclude,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Fanout publishes deliveries to other processes sharing the same rooms.
// Publish is called from the hub goroutine and must not block on I/O.
type Fanout interface {
	Publish(env *FanoutEnvelope) error
}
