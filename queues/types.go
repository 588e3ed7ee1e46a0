package queues

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event types carried in the envelope.
const (
	TypeRegistrationRequest = "registration-request"
	TypeHeartbeat           = "heartbeat"
	TypeSlotStatus          = "slot-status"
	TypeFamilyCapacity      = "family-capacity"
	TypeNodeTimeout         = "node-timeout"
)

// Envelope wraps every consumed fleet event.
type Envelope struct {
	EnvelopeVersion string          `json:"envelopeVersion"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("queues: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("queues: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RegistrationRequest is sent by a node that wants a permanent id.
type RegistrationRequest struct {
	TempID      string `json:"tempId"`
	ServerType  string `json:"serverType"`
	Role        string `json:"role,omitempty"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	MaxCapacity int    `json:"maxCapacity"`
}

// Heartbeat reports a node's liveness and load.
type Heartbeat struct {
	ServerID    string  `json:"serverId"`
	PlayerCount int     `json:"playerCount"`
	TPS         float64 `json:"tps"`
}

// SlotStatusUpdate reports the state of one slot.
type SlotStatusUpdate struct {
	SlotID        string            `json:"slotId"`
	SlotSuffix    string            `json:"slotSuffix"`
	Status        string            `json:"status"`
	MaxPlayers    int               `json:"maxPlayers"`
	OnlinePlayers int               `json:"onlinePlayers"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// FamilyCapacity advertises a server's remaining slots per game family.
type FamilyCapacity struct {
	ServerID   string         `json:"serverId"`
	Capacities map[string]int `json:"capacities"`
}

// NodeTimeout is emitted by the heartbeat monitor when a node stops
// reporting.
type NodeTimeout struct {
	ServerID string `json:"serverId"`
}

type RegistrationStatus string

const (
	StatusSuccess RegistrationStatus = "Success"
	StatusFailure RegistrationStatus = "Failure"
)

// RegistrationResult tells a node the permanent id it was assigned, or why
// registration failed.
type RegistrationResult struct {
	EnvelopeVersion string             `json:"envelopeVersion"`
	Type            string             `json:"type"`
	TempID          string             `json:"tempId"`
	AssignedID      string             `json:"assignedId,omitempty"`
	Status          RegistrationStatus `json:"status"`
	ErrorMessage    *string            `json:"errorMessage,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *Envelope) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *RegistrationResult) error
}
