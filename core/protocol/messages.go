// Package protocol defines the wire messages exchanged between field agents
// and the headend over one bidirectional stream, and the session state
// machine each stream follows.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pfriedland/distributed-der/core/model"
)

// MessageType discriminates the envelope payload.
type MessageType string

const (
	TypeRegister  MessageType = "register"
	TypeTelemetry MessageType = "telemetry"
	TypeHeartbeat MessageType = "heartbeat"
	TypeSetpoint  MessageType = "setpoint"
	TypeEvent     MessageType = "event"
)

// AssetDescriptor announces one served asset inside a Register message.
type AssetDescriptor struct {
	AssetID string `json:"asset_id"`
	Name    string `json:"name,omitempty"`
	SiteID  string `json:"site_id,omitempty"`
}

// Register is the first message an agent sends on a fresh stream. Legacy
// single-asset agents set only PrimaryAssetID; multi-asset gateways list
// every asset in Assets and may set SiteID.
type Register struct {
	GatewayID      string            `json:"gateway_id,omitempty"`
	SiteID         string            `json:"site_id,omitempty"`
	PrimaryAssetID string            `json:"primary_asset_id,omitempty"`
	Assets         []AssetDescriptor `json:"assets,omitempty"`
}

// AssetIDs returns the declared asset ids, falling back to the legacy
// primary asset when the multi-asset list is empty.
func (r Register) AssetIDs() []string {
	if len(r.Assets) > 0 {
		ids := make([]string, 0, len(r.Assets))
		for _, a := range r.Assets {
			ids = append(ids, a.AssetID)
		}
		return ids
	}
	if r.PrimaryAssetID != "" {
		return []string{r.PrimaryAssetID}
	}
	return nil
}

// LegacyAssetID returns the asset a bare Telemetry or Setpoint refers to
// when it omits asset_id: the session's sole declared asset. It never
// expands to all of a gateway's assets; a multi-asset gateway without an
// explicit asset id is an error.
func (r Register) LegacyAssetID() (string, error) {
	ids := r.AssetIDs()
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return "", fmt.Errorf("register declared no assets")
	default:
		return "", fmt.Errorf("asset_id required on multi-asset session")
	}
}

// Heartbeat refreshes session liveness without carrying telemetry.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// Setpoint commands a power target. AssetID may be empty on a legacy
// single-asset session; when both AssetID and SiteID appear, the asset
// always wins (model.ResolveTarget).
type Setpoint struct {
	AssetID    string  `json:"asset_id,omitempty"`
	SiteID     string  `json:"site_id,omitempty"`
	PowerMW    float64 `json:"power_mw"`
	DurationS  uint64  `json:"duration_s,omitempty"`
	DispatchID string  `json:"dispatch_id,omitempty"`
}

// AssetEvent reports an asset-side condition to the headend, such as a
// state-of-charge boundary crossing. AssetID may be empty on a legacy
// single-asset session.
type AssetEvent struct {
	AssetID   string    `json:"asset_id,omitempty"`
	SiteID    string    `json:"site_id,omitempty"`
	Kind      string    `json:"kind"`
	SoCMWh    float64   `json:"soc_mwh"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope frames every message on the stream.
type Envelope struct {
	Type      MessageType      `json:"type"`
	Register  *Register        `json:"register,omitempty"`
	Telemetry *model.Telemetry `json:"telemetry,omitempty"`
	Heartbeat *Heartbeat       `json:"heartbeat,omitempty"`
	Setpoint  *Setpoint        `json:"setpoint,omitempty"`
	Event     *AssetEvent      `json:"event,omitempty"`
}

// Encode marshals the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame and checks that the payload matches the
// declared type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding frame: %w", err)
	}
	switch env.Type {
	case TypeRegister:
		if env.Register == nil {
			return Envelope{}, fmt.Errorf("register frame without payload")
		}
	case TypeTelemetry:
		if env.Telemetry == nil {
			return Envelope{}, fmt.Errorf("telemetry frame without payload")
		}
	case TypeHeartbeat:
		if env.Heartbeat == nil {
			return Envelope{}, fmt.Errorf("heartbeat frame without payload")
		}
	case TypeSetpoint:
		if env.Setpoint == nil {
			return Envelope{}, fmt.Errorf("setpoint frame without payload")
		}
	case TypeEvent:
		if env.Event == nil {
			return Envelope{}, fmt.Errorf("event frame without payload")
		}
	default:
		return Envelope{}, fmt.Errorf("unknown frame type %q", env.Type)
	}
	return env, nil
}
