// Package model loads trained classifier parameters and manages the active classifier.
package model

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Loader fetches serialized model parameters from a model store.
type Loader interface {
	Load(ctx context.Context) ([]byte, error)
	// Source describes where the model comes from, for logs.
	Source() string
}

// FileLoader reads a model from the local filesystem.
type FileLoader struct {
	Path string
}

// Load reads the model file.
func (l FileLoader) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", l.Path, err)
	}
	return data, nil
}

// Source returns the file path.
func (l FileLoader) Source() string {
	return l.Path
}

// GetObjectAPI is the subset of the S3 client used by S3Loader.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Loader reads a model object from an S3-compatible bucket.
type S3Loader struct {
	Client GetObjectAPI
	Bucket string
	Key    string
}

// Load downloads the model object.
func (l S3Loader) Load(ctx context.Context) ([]byte, error) {
	out, err := l.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.Bucket),
		Key:    aws.String(l.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", l.Source(), err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", l.Source(), err)
	}
	return data, nil
}

// Source returns the object URL.
func (l S3Loader) Source() string {
	return "s3://" + l.Bucket + "/" + l.Key
}
