package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

// DeadLetter stores samples that exhausted their retries under a bucket prefix.
type DeadLetter struct {
	client API
	bucket string
	prefix string
}

// NewDeadLetter creates a dead-letter sink.
func NewDeadLetter(client API, bucket, prefix string) *DeadLetter {
	if prefix == "" {
		prefix = "deadletter/"
	}
	return &DeadLetter{client: client, bucket: bucket, prefix: prefix}
}

// Publish writes the sample payload with the failure cause as object metadata.
func (d *DeadLetter) Publish(ctx context.Context, sample hive.SensorSample, cause error) error {
	body, err := sampleio.Encode(sample)
	if err != nil {
		return err
	}

	key := sampleio.ObjectKey(d.prefix, sample)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"error-kind": hive.KindOf(cause),
			"error":      truncate(fmt.Sprint(cause), 1024),
		},
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", d.bucket, key, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
