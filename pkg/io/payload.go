package io

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hed1ad/hivesense/pkg/hive"
)

// PayloadSchema is the JSON schema of a device upload.
const PayloadSchema = `{
  "type": "object",
  "properties": {
    "device_id": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$"},
    "timestamp": {"type": "string", "minLength": 1},
    "sample_id": {"type": "string", "maxLength": 256},
    "temperature": {"type": "number"},
    "humidity": {"type": "number"},
    "pesticide_level": {"type": ["number", "null"]},
    "sample_rate": {"type": "integer", "minimum": 0},
    "waveform": {"type": "array", "items": {"type": "number"}},
    "audio": {
      "type": "object",
      "properties": {
        "encoding": {"enum": ["pcm_s16le"]},
        "data": {"type": "string"},
        "sample_rate": {"type": "integer", "minimum": 0}
      }
    },
    "metadata": {
      "type": "object",
      "properties": {
        "sample_rate": {"type": "integer", "minimum": 0}
      }
    }
  },
  "required": ["temperature", "humidity"]
}`

var payloadSchema = mustSchema(PayloadSchema)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("payload schema: %v", err))
	}
	return schema
}

type payload struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   string    `json:"timestamp"`
	SampleID    string    `json:"sample_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pesticide   *float64  `json:"pesticide_level"`
	SampleRate  int       `json:"sample_rate"`
	Waveform    []float64 `json:"waveform"`
	Audio       *Audio    `json:"audio"`
	Metadata    *struct {
		SampleRate int `json:"sample_rate"`
	} `json:"metadata"`
}

const keyTimeLayout = "20060102_150405"

// keyPattern matches uploads named <device>_<YYYYmmdd>_<HHMMSS>_<micros>.json.
var keyPattern = regexp.MustCompile(`^(.+)_(\d{8}_\d{6}_\d{6})\.json$`)

// ParseKey recovers the device id and timestamp from an upload object key.
func ParseKey(key string) (deviceID string, ts time.Time, ok bool) {
	m := keyPattern.FindStringSubmatch(path.Base(key))
	if m == nil {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(keyTimeLayout, m[2][:15])
	if err != nil {
		return "", time.Time{}, false
	}
	micros, err := strconv.Atoi(m[2][16:])
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], ts.Add(time.Duration(micros) * time.Microsecond).UTC(), true
}

// timeLayouts are tried in order; zone-less values are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Decode parses and validates a device upload. Device id and timestamp
// missing from the body are recovered from key. Malformed payloads are hive.ErrInput.
func Decode(key string, body []byte) (hive.SensorSample, error) {
	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return hive.SensorSample{}, fmt.Errorf("%w: %v", hive.ErrInput, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return hive.SensorSample{}, fmt.Errorf("%w: %s", hive.ErrInput, strings.Join(msgs, "; "))
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return hive.SensorSample{}, fmt.Errorf("%w: %v", hive.ErrInput, err)
	}

	sample := hive.SensorSample{
		DeviceID:    p.DeviceID,
		SampleID:    p.SampleID,
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		Pesticide:   p.Pesticide,
		SampleRate:  p.SampleRate,
		Waveform:    p.Waveform,
	}

	if p.Timestamp != "" {
		ts, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return hive.SensorSample{}, fmt.Errorf("%w: %v", hive.ErrInput, err)
		}
		sample.Timestamp = ts
	}
	if sample.DeviceID == "" || sample.Timestamp.IsZero() {
		if device, ts, ok := ParseKey(key); ok {
			if sample.DeviceID == "" {
				sample.DeviceID = device
			}
			if sample.Timestamp.IsZero() {
				sample.Timestamp = ts
			}
		}
	}

	if p.Audio != nil && p.Audio.Data != "" && sample.Waveform == nil {
		wave, err := DecodePCM16(p.Audio.Data)
		if err != nil {
			return hive.SensorSample{}, fmt.Errorf("%w: audio data: %v", hive.ErrInput, err)
		}
		sample.Waveform = wave
		if p.Audio.SampleRate > 0 {
			sample.SampleRate = p.Audio.SampleRate
		}
	}
	if sample.SampleRate == 0 && p.Metadata != nil {
		sample.SampleRate = p.Metadata.SampleRate
	}

	if err := sample.Validate(); err != nil {
		return hive.SensorSample{}, err
	}
	return sample, nil
}

// DecodePCM16 decodes base64 little-endian signed 16-bit PCM into amplitudes in [-1, 1).
func DecodePCM16(data string) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d", len(raw))
	}
	wave := make([]float64, len(raw)/2)
	for i := range wave {
		wave[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return wave, nil
}

// EncodePCM16 encodes amplitudes as base64 little-endian signed 16-bit PCM, clipping to [-1, 1].
func EncodePCM16(wave []float64) string {
	raw := make([]byte, 2*len(wave))
	for i, v := range wave {
		v = math.Max(-1, math.Min(1, v))
		s := int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v*32768))))
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Upload is the payload written by simulators and the HTTP API client.
type Upload struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   string    `json:"timestamp"`
	SampleID    string    `json:"sample_id,omitempty"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pesticide   *float64  `json:"pesticide_level,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	Waveform    []float64 `json:"waveform,omitempty"`
	Audio       *Audio    `json:"audio,omitempty"`
}

// Audio carries encoded PCM audio.
type Audio struct {
	Encoding   string `json:"encoding"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
}

// Encode builds the upload payload for a sample with PCM-encoded audio.
func Encode(sample hive.SensorSample) ([]byte, error) {
	up := Upload{
		DeviceID:    sample.DeviceID,
		Timestamp:   sample.Timestamp.UTC().Format(time.RFC3339Nano),
		SampleID:    sample.SampleID,
		Temperature: sample.Temperature,
		Humidity:    sample.Humidity,
		Pesticide:   sample.Pesticide,
	}
	if sample.Waveform != nil {
		up.Audio = &Audio{
			Encoding:   "pcm_s16le",
			Data:       EncodePCM16(sample.Waveform),
			SampleRate: sample.SampleRate,
		}
	}
	return json.Marshal(up)
}

// ObjectKey returns the conventional upload key for a sample.
func ObjectKey(prefix string, sample hive.SensorSample) string {
	ts := sample.Timestamp.UTC()
	name := fmt.Sprintf("%s_%s_%06d.json", sample.DeviceID, ts.Format(keyTimeLayout), ts.Nanosecond()/1000)
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
