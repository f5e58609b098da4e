package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Type: TypeSetpoint,
		Setpoint: &Setpoint{
			AssetID: "a1", SiteID: "s1", PowerMW: 12.5, DurationS: 300,
		},
	}
	data, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSetpoint, got.Type)
	assert.Equal(t, "a1", got.Setpoint.AssetID)
	assert.Equal(t, 12.5, got.Setpoint.PowerMW)
}

func TestEventFrameRoundTrip(t *testing.T) {
	env := Envelope{
		Type: TypeEvent,
		Event: &AssetEvent{
			AssetID: "a1", Kind: "MIN_SOC_REACHED", SoCMWh: 0,
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		},
	}
	data, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeEvent, got.Type)
	assert.Equal(t, "MIN_SOC_REACHED", got.Event.Kind)
}

func TestDecodeRejectsMismatchedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"type":"setpoint"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"event"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestRegisterAssetIDs(t *testing.T) {
	multi := Register{
		PrimaryAssetID: "legacy",
		Assets: []AssetDescriptor{
			{AssetID: "a1"}, {AssetID: "a2"},
		},
	}
	assert.Equal(t, []string{"a1", "a2"}, multi.AssetIDs())

	legacy := Register{PrimaryAssetID: "a9"}
	assert.Equal(t, []string{"a9"}, legacy.AssetIDs())

	assert.Nil(t, Register{}.AssetIDs())
}

func TestRegisterLegacyAssetID(t *testing.T) {
	legacy := Register{PrimaryAssetID: "a9"}
	id, err := legacy.LegacyAssetID()
	require.NoError(t, err)
	assert.Equal(t, "a9", id)

	// A bare message on a multi-asset gateway must not fan out silently.
	multi := Register{Assets: []AssetDescriptor{{AssetID: "a1"}, {AssetID: "a2"}}}
	_, err = multi.LegacyAssetID()
	assert.Error(t, err)

	_, err = Register{}.LegacyAssetID()
	assert.Error(t, err)
}

func TestSessionTransitions(t *testing.T) {
	s := StateConnecting
	var err error

	s, err = Transition(s, StateRegistered)
	require.NoError(t, err)
	s, err = Transition(s, StateStreaming)
	require.NoError(t, err)
	s, err = Transition(s, StateDisconnected)
	require.NoError(t, err)
	s, err = Transition(s, StateTerminated)
	require.NoError(t, err)

	// Terminated is final; duplicate termination is rejected, not fatal.
	_, err = Transition(s, StateTerminated)
	assert.Error(t, err)
	_, err = Transition(StateConnecting, StateStreaming)
	assert.Error(t, err)
}

func TestHeartbeatCarriesTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	env := Envelope{Type: TypeHeartbeat, Heartbeat: &Heartbeat{Timestamp: now}}
	data, err := env.Encode()
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Heartbeat.Timestamp.Equal(now))
}
