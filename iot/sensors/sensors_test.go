package sensors

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func alsPayload(raw uint32, lux float64) []byte {
	payload := make([]byte, alsPT19PayloadSize)
	binary.LittleEndian.PutUint32(payload[0:4], raw)
	binary.LittleEndian.PutUint64(payload[8:16], math.Float64bits(lux))
	return payload
}

func gpsPayload(reading GPSReading) []byte {
	payload := make([]byte, groveGPSPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:8], math.Float64bits(reading.Lat))
	binary.LittleEndian.PutUint64(payload[8:16], math.Float64bits(reading.Lon))
	binary.LittleEndian.PutUint32(payload[16:20], uint32(reading.FixQuality))
	binary.LittleEndian.PutUint32(payload[20:24], uint32(reading.Satellites))
	binary.LittleEndian.PutUint32(payload[24:28], math.Float32bits(reading.HorizontalDilution))
	binary.LittleEndian.PutUint32(payload[28:32], math.Float32bits(reading.Altitude))
	return payload
}

func TestALSPT19Decode(t *testing.T) {
	reading, err := DecodeALSPT19(alsPayload(2047, 1240.25))
	require.NoError(t, err)
	require.Equal(t, uint32(2047), reading.Raw)
	require.Equal(t, 1240.25, reading.Lux)

	_, err = DecodeALSPT19(make([]byte, alsPT19PayloadSize-1))
	require.Error(t, err)
}

func TestALSPT19Handler(t *testing.T) {
	var sensor ALSPT19

	_, seen := sensor.Last()
	require.False(t, seen)

	require.NoError(t, sensor.Handle(alsPayload(100, 55.5)))
	reading, seen := sensor.Last()
	require.True(t, seen)
	require.Equal(t, uint32(100), reading.Raw)
	require.Equal(t, 55.5, reading.Lux)
}

func TestGroveGPSDecode(t *testing.T) {
	want := GPSReading{
		Lat:                48.13743,
		Lon:                11.57549,
		FixQuality:         2,
		Satellites:         9,
		HorizontalDilution: 1.1,
		Altitude:           519.2,
	}
	reading, err := DecodeGroveGPS(gpsPayload(want))
	require.NoError(t, err)
	require.Equal(t, want, reading)

	_, err = DecodeGroveGPS(make([]byte, groveGPSPayloadSize-1))
	require.Error(t, err)
}

func TestGroveGPSReportsPositionChange(t *testing.T) {
	var reports [][]byte
	gps := NewGroveGPS(nil, func(doc []byte) {
		reports = append(reports, doc)
	})

	reading := GPSReading{Lat: 48.1, Lon: 11.5, FixQuality: 1, Satellites: 7, HorizontalDilution: 1.5, Altitude: 500}
	require.NoError(t, gps.Handle(gpsPayload(reading)))
	require.Len(t, reports, 1)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reports[0], &doc))
	require.Contains(t, doc, "DeviceLocation")
	require.Contains(t, doc, "numSat")

	// same position again, no second report
	require.NoError(t, gps.Handle(gpsPayload(reading)))
	require.Len(t, reports, 1)

	// moved, one more report
	reading.Lat, reading.Lon = 48.2, 11.6
	require.NoError(t, gps.Handle(gpsPayload(reading)))
	require.Len(t, reports, 2)
}

type fixedLocator struct {
	lat, lon float64
	err      error
	calls    int
}

func (l *fixedLocator) Locate() (float64, float64, error) {
	l.calls++
	return l.lat, l.lon, l.err
}

func TestGroveGPSFallbackToNetworkLocation(t *testing.T) {
	locator := &fixedLocator{lat: 52.52, lon: 13.405}
	var reports [][]byte
	gps := NewGroveGPS(locator, func(doc []byte) {
		reports = append(reports, doc)
	})

	// the all-zero condition means the device is not sending
	require.NoError(t, gps.Handle(gpsPayload(GPSReading{})))
	require.Equal(t, 1, locator.calls)
	require.Len(t, reports, 1)

	reading, seen := gps.Last()
	require.True(t, seen)
	require.Equal(t, 52.52, reading.Lat)
	require.Equal(t, 13.405, reading.Lon)
	// substituted data must not look like it came from a GPS device
	require.Equal(t, int32(0), reading.FixQuality)
	require.Equal(t, int32(0), reading.Satellites)
	require.Equal(t, float32(10.0), reading.HorizontalDilution)

	// lookups are rate limited, the second all-zero reading re-uses
	// the last known position
	require.NoError(t, gps.Handle(gpsPayload(GPSReading{})))
	require.Equal(t, 1, locator.calls)
	reading, _ = gps.Last()
	require.Equal(t, 52.52, reading.Lat)
}

func TestGroveGPSFallbackLookupFailure(t *testing.T) {
	locator := &fixedLocator{err: errors.New("network down")}
	gps := NewGroveGPS(locator, nil)

	require.NoError(t, gps.Handle(gpsPayload(GPSReading{})))
	reading, seen := gps.Last()
	require.True(t, seen)
	require.Equal(t, 0.0, reading.Lat)
	require.Equal(t, 0.0, reading.Lon)

	// a failed lookup does not consume the rate limit, the next
	// reading retries immediately
	require.NoError(t, gps.Handle(gpsPayload(GPSReading{})))
	require.Equal(t, 2, locator.calls)

	// once the network is back the position is substituted, and only
	// then does the rate limit kick in
	locator.err = nil
	locator.lat, locator.lon = 52.52, 13.405
	require.NoError(t, gps.Handle(gpsPayload(GPSReading{})))
	require.Equal(t, 3, locator.calls)
	reading, _ = gps.Last()
	require.Equal(t, 52.52, reading.Lat)

	require.NoError(t, gps.Handle(gpsPayload(GPSReading{})))
	require.Equal(t, 3, locator.calls)
}
