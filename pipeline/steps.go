package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stateflow"
)

// Step names bound by the embedded definitions.
const (
	StepValidateInput = "validate-input"
	StepProbeMedia    = "probe-media"
	StepEncodeMP4     = "encode-mp4"
	StepEncodeHLS     = "encode-hls"
	StepSubmitEncodes = "submit-encodes"
	StepPublish       = "publish"
	StepArchiveSource = "archive-source"
)

// sourceExtensions are the container formats the encoder accepts.
var sourceExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true, ".webm": true,
	".mpg": true, ".mpeg": true, ".avi": true, ".ts": true, ".m2ts": true,
}

// metadataLimit caps the size of a metadata trigger document.
const metadataLimit = 1 << 20

func stringField(p *stateflow.Payload, field string) string {
	value, _ := p.Get(field)
	s, _ := value.(string)
	return s
}

func boolField(p *stateflow.Payload, field string) (bool, bool) {
	value, ok := p.Get(field)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

func (p *Pipeline) steps() []stateflow.Step {
	return []stateflow.Step{
		stateflow.NewStepFunction(StepValidateInput, p.validateInput),
		stateflow.NewStepFunction(StepProbeMedia, p.probeMedia),
		stateflow.NewStepFunction(StepEncodeMP4, p.encodeStep(FormatMP4)),
		stateflow.NewStepFunction(StepEncodeHLS, p.encodeStep(FormatHLS)),
		stateflow.NewStepFunction(StepSubmitEncodes, p.submitEncodes),
		stateflow.NewStepFunction(StepPublish, p.publish),
		stateflow.NewStepFunction(StepArchiveSource, p.archiveSource),
	}
}

// validateInput checks the trigger fields. A ".json" source is a metadata
// document whose fields seed the run; it must name the actual srcVideo.
func (p *Pipeline) validateInput(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	bucket := stringField(in.Payload, "srcBucket")
	video := stringField(in.Payload, "srcVideo")
	if bucket == "" || video == "" {
		return nil, stateflow.Fatal(errors.New("invalid input: srcBucket and srcVideo are required"))
	}
	out := map[string]any{}
	if strings.EqualFold(path.Ext(video), ".json") {
		meta, err := p.readMetadata(ctx, bucket, video)
		if err != nil {
			return nil, err
		}
		for k, v := range meta {
			out[k] = v
		}
		out["srcMetadataFile"] = video
		video, _ = meta["srcVideo"].(string)
		if video == "" {
			return nil, stateflow.Fatal(fmt.Errorf("invalid metadata %s: srcVideo is required", out["srcMetadataFile"]))
		}
	}
	if !sourceExtensions[strings.ToLower(path.Ext(video))] {
		return nil, stateflow.Fatal(fmt.Errorf("invalid source %q: unsupported container", video))
	}
	out["srcVideo"] = video
	out["srcBucket"] = bucket
	if _, ok := out["destBucket"]; !ok && stringField(in.Payload, "destBucket") == "" {
		dest := p.deps.DestBucket
		if dest == "" {
			dest = bucket
		}
		out["destBucket"] = dest
	}
	if _, ok := out["archiveSource"]; !ok {
		if _, set := boolField(in.Payload, "archiveSource"); !set {
			out["archiveSource"] = p.deps.ArchiveSource
		}
	}
	out["startTime"] = time.Now().UTC().Format(time.RFC3339)
	out["workflowStatus"] = "Ingest"
	return out, nil
}

func (p *Pipeline) readMetadata(ctx context.Context, bucket, key string) (map[string]any, error) {
	body, err := p.deps.Objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, metadataLimit))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, stateflow.Fatal(fmt.Errorf("invalid metadata %s/%s: %w", bucket, key, err))
	}
	return meta, nil
}

func (p *Pipeline) probeMedia(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	info, err := p.deps.Prober.Probe(ctx, stringField(in.Payload, "srcBucket"), stringField(in.Payload, "srcVideo"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"srcWidth":    info.Width,
		"srcHeight":   info.Height,
		"srcDuration": info.DurationSeconds,
		"mediaInfo":   info.Map(),
	}, nil
}

func (p *Pipeline) encodeJob(in stateflow.StepInput, format string) (EncodeJob, error) {
	profile := stringField(in.Payload, "profile")
	if _, ok := profileHeights[profile]; !ok {
		return EncodeJob{}, stateflow.Fatal(fmt.Errorf("invalid profile %q", profile))
	}
	guid := stringField(in.Payload, "guid")
	if guid == "" {
		guid = in.RunID
	}
	return EncodeJob{
		ID:         guid + "-" + format,
		Format:     format,
		Profile:    profile,
		SrcBucket:  stringField(in.Payload, "srcBucket"),
		SrcKey:     stringField(in.Payload, "srcVideo"),
		DestBucket: stringField(in.Payload, "destBucket"),
		DestPrefix: guid,
	}, nil
}

// outputField is the context field a format's rendition is reported in.
func outputField(format string) string {
	return format + "Output"
}

func (p *Pipeline) encodeStep(format string) stateflow.StepFunc {
	return func(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
		job, err := p.encodeJob(in, format)
		if err != nil {
			return nil, err
		}
		result, err := p.deps.Transcoder.Transcode(ctx, job)
		if err != nil {
			return nil, err
		}
		return map[string]any{outputField(format): result.Location()}, nil
	}
}

// submitEncodes hands both renditions to the transcoder as separate jobs.
// Their completions meet in the encode join, which starts publishing and
// then releases the run from its wait state.
func (p *Pipeline) submitEncodes(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	assetID := in.Key
	if assetID == "" {
		assetID = in.RunID
	}
	base := in.Payload.Map()
	// The join must belong to this run before any completion can arrive.
	if _, err := p.joiner.Arm(ctx, assetID, in.RunID); err != nil {
		return nil, fmt.Errorf("arm encode join: %w", err)
	}
	var jobs []any
	for _, format := range encodeBranches {
		job, err := p.encodeJob(in, format)
		if err != nil {
			return nil, err
		}
		err = p.deps.Transcoder.Submit(ctx, job, func(ctx context.Context, result *EncodeResult, err error) {
			p.completeEncode(ctx, assetID, in.RunID, format, base, result, err)
		})
		if err != nil {
			return nil, fmt.Errorf("submit %s: %w", job.ID, err)
		}
		jobs = append(jobs, job.ID)
	}
	return map[string]any{"encodeJobs": jobs, "workflowStatus": "Encoding"}, nil
}

// publish stores the asset record without the raw probe output, queues it
// for downstream consumers and announces completion.
func (p *Pipeline) publish(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	for _, format := range encodeBranches {
		if stringField(in.Payload, outputField(format)) == "" {
			return nil, stateflow.Fatal(fmt.Errorf("invalid publish input: %s missing", outputField(format)))
		}
	}
	guid := stringField(in.Payload, "guid")
	if guid == "" {
		guid = in.RunID
	}
	endTime := time.Now().UTC().Format(time.RFC3339)
	record := in.Payload.Map()
	delete(record, "mediaInfo")
	record["guid"] = guid
	record["workflowStatus"] = "Complete"
	record["endTime"] = endTime

	if err := p.deps.Records.Put(ctx, guid, record); err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}
	if err := p.deps.Queue.Send(ctx, guid, record); err != nil {
		return nil, fmt.Errorf("queue record: %w", err)
	}
	if err := p.deps.Notifier.Notify(ctx, stateflow.Notification{
		Subject: "Workflow complete",
		Message: fmt.Sprintf("%s is ready", stringField(in.Payload, "srcVideo")),
		Level:   stateflow.LevelInfo,
		RunID:   in.RunID,
		Key:     in.Key,
		Fields: map[string]any{
			outputField(FormatMP4): record[outputField(FormatMP4)],
			outputField(FormatHLS): record[outputField(FormatHLS)],
		},
	}); err != nil {
		p.logger.Warn("completion notification failed", "run_id", in.RunID, "error", err)
	}
	return map[string]any{
		"mediaInfo":      stateflow.Remove,
		"workflowStatus": "Complete",
		"endTime":        endTime,
	}, nil
}

// archiveSource tags the source object once published. Tagging is
// idempotent, so a retried invocation is harmless.
func (p *Pipeline) archiveSource(ctx context.Context, in stateflow.StepInput) (map[string]any, error) {
	if archive, _ := boolField(in.Payload, "archiveSource"); !archive {
		return map[string]any{"archived": false}, nil
	}
	bucket := stringField(in.Payload, "srcBucket")
	tags := map[string]string{"archived": "true", "guid": stringField(in.Payload, "guid")}
	if err := p.deps.Objects.Tag(ctx, bucket, stringField(in.Payload, "srcVideo"), tags); err != nil {
		return nil, err
	}
	if meta := stringField(in.Payload, "srcMetadataFile"); meta != "" {
		if err := p.deps.Objects.Tag(ctx, bucket, meta, tags); err != nil {
			return nil, err
		}
	}
	return map[string]any{"archived": true}, nil
}
