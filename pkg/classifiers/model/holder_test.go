package model

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/classifiers/forest"
	"github.com/hed1ad/hivesense/pkg/classifiers/rules"
	"github.com/hed1ad/hivesense/pkg/features"
	"github.com/hed1ad/hivesense/pkg/hive"
)

func fallback(t *testing.T) classifiers.Classifier {
	t.Helper()
	e, err := features.New(features.DefaultConfig())
	require.NoError(t, err)
	c, err := rules.New(rules.DefaultConfig(), e)
	require.NoError(t, err)
	return c
}

func modelBytes(t *testing.T, nFeatures int, trees int) []byte {
	t.Helper()
	ensemble := make([]forest.Tree, trees)
	for i := range ensemble {
		ensemble[i] = forest.Tree{Nodes: []forest.Node{
			{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
			{Left: -1, Right: -1, Value: []float64{1, 0, 0}},
			{Left: -1, Right: -1, Value: []float64{0, 1, 0}},
		}}
	}
	f, err := forest.New([]hive.Label{hive.LabelNormal, hive.LabelSwarming, hive.LabelDistress}, nFeatures, ensemble)
	require.NoError(t, err)
	data, err := f.Save()
	require.NoError(t, err)
	return data
}

func writeModel(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	rulesClf := fallback(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gob")
	writeModel(t, path, modelBytes(t, 18, 2))

	t.Run("rules strategy", func(t *testing.T) {
		c, err := Select(ctx, classifiers.StrategyRules, nil, rulesClf, nil)
		require.NoError(t, err)
		assert.Equal(t, rules.Name, c.Name())
	})

	t.Run("model strategy loads the model", func(t *testing.T) {
		c, err := Select(ctx, classifiers.StrategyModel, FileLoader{Path: path}, rulesClf, nil)
		require.NoError(t, err)
		assert.Equal(t, "forest", c.Name())
		assert.Equal(t, 18, c.InputSize())

		res, err := c.Predict(make(hive.FeatureVector, 18))
		require.NoError(t, err)
		assert.False(t, res.Degraded)
	})

	t.Run("missing model falls back to rules", func(t *testing.T) {
		c, err := Select(ctx, classifiers.StrategyModel, FileLoader{Path: filepath.Join(dir, "absent.gob")}, rulesClf, nil)
		require.NoError(t, err)
		assert.Equal(t, rules.Name, c.Name())

		res, err := c.Predict(make(hive.FeatureVector, 18))
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	})

	t.Run("model strategy without store", func(t *testing.T) {
		_, err := Select(ctx, classifiers.StrategyModel, nil, rulesClf, nil)
		assert.Error(t, err)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := Select(ctx, "oracle", nil, rulesClf, nil)
		assert.Error(t, err)
	})
}

func TestHolderReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gob")
	writeModel(t, path, modelBytes(t, 18, 1))

	h := NewHolder(FileLoader{Path: path}, fallback(t), nil)
	assert.Equal(t, rules.Name, h.Name())

	require.NoError(t, h.Reload(ctx))
	assert.Equal(t, "forest", h.Name())

	writeModel(t, path, []byte("not a model"))
	err := h.Reload(ctx)
	assert.ErrorIs(t, err, hive.ErrModelUnavailable)
	assert.Equal(t, "forest", h.Name(), "failed reload keeps the active model")
}

func TestHolderSchemaMismatchSurfacesOnPredict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gob")
	writeModel(t, path, modelBytes(t, 4, 1))

	h := NewHolder(FileLoader{Path: path}, fallback(t), nil)
	require.NoError(t, h.Reload(context.Background()))

	_, err := h.Predict(make(hive.FeatureVector, 18))
	assert.ErrorIs(t, err, hive.ErrSchemaMismatch)
}

func TestHolderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gob")
	writeModel(t, path, modelBytes(t, 18, 1))

	h := NewHolder(FileLoader{Path: path}, fallback(t), nil)
	require.NoError(t, h.Reload(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx, path) }()

	// Give the watcher time to register before rewriting.
	time.Sleep(50 * time.Millisecond)
	writeModel(t, path, modelBytes(t, 18, 3))

	assert.Eventually(t, func() bool {
		f, ok := h.Active().(*forest.Forest)
		return ok && f.Trees() == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Loader(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"models/hive/current.gob": modelBytes(t, 18, 2),
	}}

	loader := S3Loader{Client: client, Bucket: "models", Key: "hive/current.gob"}
	assert.Equal(t, "s3://models/hive/current.gob", loader.Source())

	h := NewHolder(loader, fallback(t), nil)
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, "forest", h.Name())

	missing := S3Loader{Client: client, Bucket: "models", Key: "nope"}
	_, err := missing.Load(context.Background())
	assert.Error(t, err)
}
