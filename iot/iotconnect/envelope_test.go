package iotconnect

import (
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func newConnectedSession(t *testing.T) *Session {
	reg := newTestRegistry(t, filepath.Join(t.TempDir(), "session.db"))
	session := NewSession(&SessionBuilder{Registry: reg})
	require.NoError(t, session.HandleMessage([]byte(handshakeMessage)))
	return session
}

func TestFormatRefusesBeforeHandshake(t *testing.T) {
	reg := newTestRegistry(t, filepath.Join(t.TempDir(), "session.db"))
	session := NewSession(&SessionBuilder{Registry: reg})
	formatter := NewFormatter(session, 0)

	_, err := formatter.Format([]byte(`{"light_intensity":1240.25}`))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestFormatEnvelope(t *testing.T) {
	session := newConnectedSession(t)
	formatter := NewFormatter(session, 0)

	telemetry := []byte(`{"Tracking":{"lat":48.13743,"lon":11.57549,"alt":519.20}}`)
	formatted, err := formatter.Format(telemetry)
	require.NoError(t, err)

	var message struct {
		SID string `json:"sid"`
		DTG string `json:"dtg"`
		MT  int    `json:"mt"`
		DT  string `json:"dt"`
		D   []struct {
			D json.RawMessage `json:"d"`
		} `json:"d"`
	}
	require.NoError(t, json.Unmarshal(formatted, &message))
	require.Equal(t, session.SID(), message.SID)
	require.Equal(t, session.DTG(), message.DTG)
	require.Equal(t, 0, message.MT)
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{7}Z$`, message.DT)
	require.Len(t, message.D, 1)
	require.JSONEq(t, string(telemetry), string(message.D[0].D))
}

func TestFormatRefusesOversizedMessage(t *testing.T) {
	session := newConnectedSession(t)
	formatter := NewFormatter(session, 256)

	small, err := formatter.Format([]byte(`{"ok":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, small)

	big := append([]byte(`{"blob":"`), make([]byte, 300)...)
	_, err = formatter.Format(big)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestValidateTelemetry(t *testing.T) {
	require.NoError(t, ValidateTelemetry([]byte(`{"light_intensity":1240.25}`)))

	// not an object
	require.Error(t, ValidateTelemetry([]byte(`[1,2,3]`)))
	require.Error(t, ValidateTelemetry([]byte(`"telemetry"`)))
	// an empty object carries no telemetry
	require.Error(t, ValidateTelemetry([]byte(`{}`)))
}
