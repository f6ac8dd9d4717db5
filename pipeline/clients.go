package pipeline

import (
	"context"
	"errors"
	"io"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrRecordNotFound = errors.New("record not found")
)

// ObjectStore is the object storage the pipeline reads sources from and
// writes renditions to.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) error
	// Tag merges tags into the object's tag set. Tagging twice with the same
	// tags is a no-op.
	Tag(ctx context.Context, bucket, key string, tags map[string]string) error
	Tags(ctx context.Context, bucket, key string) (map[string]string, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Prober extracts media properties from a source object.
type Prober interface {
	Probe(ctx context.Context, bucket, key string) (*MediaInfo, error)
}

// EncodeJob is one rendition of a source.
type EncodeJob struct {
	ID         string `json:"id"`
	Format     string `json:"format"`
	Profile    string `json:"profile"`
	SrcBucket  string `json:"src_bucket"`
	SrcKey     string `json:"src_key"`
	DestBucket string `json:"dest_bucket"`
	DestPrefix string `json:"dest_prefix"`
}

// EncodeResult describes a finished rendition.
type EncodeResult struct {
	JobID  string `json:"job_id"`
	Format string `json:"format"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Location returns "bucket/key".
func (r *EncodeResult) Location() string {
	return r.Bucket + "/" + r.Key
}

// CompletionFunc receives the outcome of a submitted job.
type CompletionFunc func(ctx context.Context, result *EncodeResult, err error)

// Transcoder encodes renditions, either blocking or as submitted jobs that
// report through a completion callback.
type Transcoder interface {
	Transcode(ctx context.Context, job EncodeJob) (*EncodeResult, error)
	Submit(ctx context.Context, job EncodeJob, done CompletionFunc) error
}

// RecordStore keeps one published record per asset.
type RecordStore interface {
	Get(ctx context.Context, id string) (map[string]any, error)
	Put(ctx context.Context, id string, record map[string]any) error
	// Update merges fields into an existing record.
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
}

// Queue delivers messages to downstream consumers. Messages with the same
// group key are delivered in order.
type Queue interface {
	Send(ctx context.Context, group string, body map[string]any) error
}
