package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/google/uuid"
)

// ingestNamespace scopes the name-based UUIDs derived from storage objects.
var ingestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://stateflow.deepnoodle.ai/ingest"))

// StartRequest is a run to start for a storage event.
type StartRequest struct {
	Key   string
	Input map[string]any
}

// ObjectKey returns the idempotency key of an object version. The same
// bucket, key and etag always yield the same key.
func ObjectKey(bucket, key, etag string) string {
	return uuid.NewSHA1(ingestNamespace, []byte(bucket+"/"+key+"@"+etag)).String()
}

type storageEvent struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`

	// Manual triggers name a single object directly.
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
}

// ParseStorageEvent turns an object-created notification into run requests.
// It accepts S3-style {"Records": [...]} notifications, whose keys are URL
// encoded, and a flat {"bucket", "key", "etag"} object. Records for events
// other than object creation are skipped.
func ParseStorageEvent(payload []byte) ([]StartRequest, error) {
	var event storageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid storage event: %w", err)
	}
	var requests []StartRequest
	add := func(bucket, key, etag string) error {
		if bucket == "" || key == "" {
			return errors.New("invalid storage event: bucket and key are required")
		}
		id := ObjectKey(bucket, key, etag)
		requests = append(requests, StartRequest{
			Key: id,
			Input: map[string]any{
				"guid":      id,
				"srcBucket": bucket,
				"srcVideo":  key,
				"srcETag":   etag,
			},
		})
		return nil
	}
	if event.Bucket != "" || event.Key != "" {
		if err := add(event.Bucket, event.Key, event.ETag); err != nil {
			return nil, err
		}
	}
	for _, record := range event.Records {
		if record.EventName != "" && !strings.HasPrefix(record.EventName, "ObjectCreated") {
			continue
		}
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid storage event: object key: %w", err)
		}
		if err := add(record.S3.Bucket.Name, key, strings.Trim(record.S3.Object.ETag, `"`)); err != nil {
			return nil, err
		}
	}
	if len(requests) == 0 && len(event.Records) == 0 {
		return nil, errors.New("invalid storage event: no objects")
	}
	return requests, nil
}

// IngestResult reports what happened to one requested object.
type IngestResult struct {
	Key string
	// Run is the run started for the object, nil for duplicates.
	Run *stateflow.Run
	// Duplicate is set when the object is already being or was processed;
	// ExistingRunID then names that run.
	Duplicate     bool
	ExistingRunID string
	Err           error
}

// Ingest starts and drives a run for every object in the event. An object
// whose run is in progress or succeeded is skipped with an "already
// processed" notification instead of starting a second run.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) ([]IngestResult, error) {
	requests, err := ParseStorageEvent(payload)
	if err != nil {
		return nil, err
	}
	results := make([]IngestResult, 0, len(requests))
	for _, req := range requests {
		results = append(results, p.ingest(ctx, req))
	}
	return results, nil
}

func (p *Pipeline) ingest(ctx context.Context, req StartRequest) IngestResult {
	result := IngestResult{Key: req.Key}
	var run *stateflow.Run
	// A succeeded run does not hold its key, but its object version was
	// already published.
	err := p.succeededRun(ctx, req.Key)
	if err == nil {
		run, err = p.engine.Start(ctx, p.definition, req.Key, req.Input)
	}
	var dup *stateflow.DuplicateRunError
	if errors.As(err, &dup) {
		result.Duplicate = true
		result.ExistingRunID = dup.RunID
		if nErr := p.deps.Notifier.Notify(ctx, stateflow.Notification{
			Subject: "Already processed",
			Message: fmt.Sprintf("%v/%v is already being processed; skipping", req.Input["srcBucket"], req.Input["srcVideo"]),
			Level:   stateflow.LevelInfo,
			RunID:   dup.RunID,
			Key:     req.Key,
		}); nErr != nil {
			p.logger.Warn("duplicate notification failed", "key", req.Key, "error", nErr)
		}
		return result
	}
	if err != nil {
		result.Err = err
		return result
	}
	result.Run, result.Err = p.engine.RunToCompletion(ctx, run.ID)
	return result
}

func (p *Pipeline) succeededRun(ctx context.Context, key string) error {
	run, err := p.engine.GetByKey(ctx, key)
	if errors.Is(err, stateflow.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status == stateflow.RunSucceeded {
		return &stateflow.DuplicateRunError{Key: key, RunID: run.ID}
	}
	return nil
}
