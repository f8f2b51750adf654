package io

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/hive"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		key    string
		device string
		ts     time.Time
		ok     bool
	}{
		{
			key:    "beehive_data/HIVE-1234_20240501_143000_250000.json",
			device: "HIVE-1234",
			ts:     time.Date(2024, 5, 1, 14, 30, 0, 250000000, time.UTC),
			ok:     true,
		},
		{
			key:    "hive_a_20240102_030405_000001.json",
			device: "hive_a",
			ts:     time.Date(2024, 1, 2, 3, 4, 5, 1000, time.UTC),
			ok:     true,
		},
		{key: "beehive_data/readme.txt"},
		{key: "beehive_data/HIVE-1_2024_1.json"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			device, ts, ok := ParseKey(tt.key)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.device, device)
				assert.True(t, tt.ts.Equal(ts), "got %s", ts)
			}
		})
	}
}

func TestObjectKeyRoundTrip(t *testing.T) {
	sample := hive.SensorSample{DeviceID: "HIVE-9", Timestamp: time.Date(2024, 7, 8, 9, 10, 11, 123456000, time.UTC)}
	key := ObjectKey("beehive_data/", sample)
	assert.Equal(t, "beehive_data/HIVE-9_20240708_091011_123456.json", key)

	device, ts, ok := ParseKey(key)
	require.True(t, ok)
	assert.Equal(t, "HIVE-9", device)
	assert.True(t, sample.Timestamp.Equal(ts))
}

func TestDecode(t *testing.T) {
	t.Run("waveform payload", func(t *testing.T) {
		body := `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00Z","temperature":34.5,"humidity":0.6,
			"pesticide_level":0.1,"sample_rate":22050,"waveform":[0.1,-0.2,0.3]}`
		s, err := Decode("", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, "HIVE-1", s.DeviceID)
		assert.Equal(t, time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC), s.Timestamp)
		assert.Equal(t, []float64{0.1, -0.2, 0.3}, s.Waveform)
		assert.Equal(t, 22050, s.SampleRate)
		require.NotNil(t, s.Pesticide)
		assert.Equal(t, 0.1, *s.Pesticide)
	})

	t.Run("naive timestamp is utc", func(t *testing.T) {
		body := `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00.123456","temperature":30,"humidity":0.5}`
		s, err := Decode("", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 5, 1, 14, 30, 0, 123456000, time.UTC), s.Timestamp)
		assert.Nil(t, s.Waveform)
		assert.Nil(t, s.Pesticide)
	})

	t.Run("identity recovered from key", func(t *testing.T) {
		body := `{"temperature":30,"humidity":0.5,"pesticide_level":null,"waveform":[0]}`
		s, err := Decode("beehive_data/HIVE-77_20240501_143000_000000.json", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, "HIVE-77", s.DeviceID)
		assert.Equal(t, time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC), s.Timestamp)
	})

	t.Run("metadata sample rate", func(t *testing.T) {
		body := `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00Z","temperature":30,"humidity":0.5,
			"metadata":{"sample_rate":48000,"format":"simulation"}}`
		s, err := Decode("", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, 48000, s.SampleRate)
	})

	rejects := []struct {
		name string
		key  string
		body string
	}{
		{name: "not json", body: `{"device_id":`},
		{name: "missing environment", body: `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00Z"}`},
		{name: "bad device id", body: `{"device_id":"hive 1","timestamp":"2024-05-01T14:30:00Z","temperature":1,"humidity":0}`},
		{name: "bad timestamp", body: `{"device_id":"HIVE-1","timestamp":"yesterday","temperature":1,"humidity":0}`},
		{name: "no identity anywhere", key: "upload.json", body: `{"temperature":1,"humidity":0}`},
		{name: "string waveform", body: `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00Z","temperature":1,"humidity":0,"waveform":"abc"}`},
		{name: "bad audio", body: `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00Z","temperature":1,"humidity":0,"audio":{"data":"AAAA"}}`},
		{name: "negative rate", body: `{"device_id":"HIVE-1","timestamp":"2024-05-01T14:30:00Z","temperature":1,"humidity":0,"sample_rate":-1}`},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.key, []byte(tt.body))
			assert.ErrorIs(t, err, hive.ErrInput)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	level := 0.3
	wave := make([]float64, 256)
	for i := range wave {
		wave[i] = 0.5 * math.Sin(2*math.Pi*float64(i)/32)
	}
	sample := hive.SensorSample{
		DeviceID:    "HIVE-3",
		Timestamp:   time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		Waveform:    wave,
		SampleRate:  22050,
		Temperature: 33,
		Humidity:    0.55,
		Pesticide:   &level,
	}

	body, err := Encode(sample)
	require.NoError(t, err)

	got, err := Decode("", body)
	require.NoError(t, err)
	assert.Equal(t, sample.Key(), got.Key())
	assert.Equal(t, 22050, got.SampleRate)
	require.Len(t, got.Waveform, len(wave))
	for i := range wave {
		assert.InDelta(t, wave[i], got.Waveform[i], 1.0/32768)
	}
}

func TestDecodePCM16Clipping(t *testing.T) {
	wave, err := DecodePCM16(EncodePCM16([]float64{-2, 1.5, 0}))
	require.NoError(t, err)
	assert.Equal(t, -1.0, wave[0])
	assert.InDelta(t, 1.0, wave[1], 1.0/32768)
	assert.Equal(t, 0.0, wave[2])
}

func TestDeliverySettle(t *testing.T) {
	var got []Disposition
	d := NewDelivery("k", nil, func(_ context.Context, disp Disposition) error {
		got = append(got, disp)
		return nil
	})
	require.NoError(t, d.Settle(context.Background(), Requeue))
	assert.Equal(t, []Disposition{Requeue}, got)
	assert.Equal(t, "requeue", Requeue.String())

	assert.NoError(t, NewDelivery("k", nil, nil).Settle(context.Background(), Ack))
}
