// Package archive copies compacted snapshots to an S3 compatible bucket, so a document can be restored or inspected
// independently of the live store.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type Archiver struct {
	client *minio.Client
	bucket string
}

// New connects to the endpoint and creates the bucket when it does not exist yet.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup archive client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *Archiver) Archive(ctx context.Context, docID string, seq uint64, snapshot []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, ObjectKey(docID, seq), bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"doc": docID,
			"seq": fmt.Sprint(seq),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %d of %s: %w", seq, docID, err)
	}
	return nil
}

// ObjectKey sorts the snapshots of a document by sequence number.
func ObjectKey(docID string, seq uint64) string {
	return fmt.Sprintf("snapshots/%s/%020d.automerge", url.PathEscape(docID), seq)
}
