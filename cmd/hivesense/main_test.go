package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/classifiers/forest"
	"github.com/hed1ad/hivesense/pkg/features"
	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func writeModel(t *testing.T, nFeatures int) string {
	t.Helper()
	f, err := forest.New(
		[]hive.Label{hive.LabelNormal, hive.LabelSwarming, hive.LabelDistress},
		nFeatures,
		[]forest.Tree{{Nodes: []forest.Node{
			{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
			{Left: -1, Right: -1, Value: []float64{8, 1, 1}},
			{Left: -1, Right: -1, Value: []float64{1, 8, 1}},
		}}},
	)
	require.NoError(t, err)
	data, err := f.Save()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestModelInspect(t *testing.T) {
	ext, err := features.New(features.DefaultConfig())
	require.NoError(t, err)

	out, err := execute(t, "model", "inspect", writeModel(t, ext.Len()))
	require.NoError(t, err)
	assert.Contains(t, out, "classes:  normal, swarming, distress")
	assert.Contains(t, out, "trees:    1")

	_, err = execute(t, "model", "inspect", writeModel(t, 3))
	assert.ErrorContains(t, err, "model expects 3 features")
}

func writeSample(t *testing.T, dir string, ts time.Time) string {
	t.Helper()
	wave := make([]float64, 22050)
	for i := range wave {
		wave[i] = 0.4 * math.Sin(2*math.Pi*250*float64(i)/22050)
	}
	sample := hive.SensorSample{
		DeviceID:    "HIVE-0042",
		Timestamp:   ts,
		Temperature: 34.5,
		Humidity:    0.6,
		SampleRate:  22050,
		Waveform:    wave,
	}
	body, err := sampleio.Encode(sample)
	require.NoError(t, err)

	path := filepath.Join(dir, filepath.Base(sampleio.ObjectKey("", sample)))
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func TestProcessCommand(t *testing.T) {
	path := writeSample(t, t.TempDir(), time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC))

	out, err := execute(t, "process", path)
	require.NoError(t, err)

	var res hive.Result
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &res))
	assert.Equal(t, "HIVE-0042", res.DeviceID)
	assert.Equal(t, hive.StatusOK, res.Status)
	assert.NotEmpty(t, res.Label)
}

func TestProcessCommandReportsFailures(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"temperature": "hot"}`), 0o600))

	_, err := execute(t, "process", bad)
	assert.ErrorContains(t, err, "1 of 1 samples failed")
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		writeSample(t, dir, start.Add(time.Duration(i)*time.Minute))
	}
	csvPath := filepath.Join(t.TempDir(), "results.csv")

	out, err := execute(t, "replay", dir, "--out", csvPath, "--workers", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "processed=3 rejected=0 failed=0")

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 4, "header plus one row per sample")
}

func TestUnknownStorageDriver(t *testing.T) {
	t.Setenv("HIVESENSE_STORAGE", "cassandra")
	_, err := execute(t, "process", "whatever.json")
	assert.ErrorContains(t, err, "unknown driver")
}
