package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	height int
}

func (f *fakeProber) Probe(ctx context.Context, bucket, key string) (*MediaInfo, error) {
	return &MediaInfo{
		Width:           f.height * 16 / 9,
		Height:          f.height,
		DurationSeconds: 12.5,
		VideoCodec:      "h264",
		AudioCodec:      "aac",
		FormatName:      "mov,mp4,m4a,3gp,3g2,mj2",
	}, nil
}

type fakeTranscoder struct {
	mutex sync.Mutex
	jobs  []EncodeJob
	fail  map[string]error
	wg    sync.WaitGroup
}

func (f *fakeTranscoder) Transcode(ctx context.Context, job EncodeJob) (*EncodeResult, error) {
	f.mutex.Lock()
	f.jobs = append(f.jobs, job)
	err := f.fail[job.Format]
	f.mutex.Unlock()
	if err != nil {
		return nil, err
	}
	return &EncodeResult{JobID: job.ID, Format: job.Format, Bucket: job.DestBucket, Key: RenditionKey(job)}, nil
}

func (f *fakeTranscoder) Submit(ctx context.Context, job EncodeJob, done CompletionFunc) error {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		jobCtx := context.WithoutCancel(ctx)
		result, err := f.Transcode(jobCtx, job)
		done(jobCtx, result, err)
	}()
	return nil
}

func (f *fakeTranscoder) Jobs() []EncodeJob {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]EncodeJob(nil), f.jobs...)
}

type recordingNotifier struct {
	mutex sync.Mutex
	notes []stateflow.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n stateflow.Notification) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) Subjects() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var subjects []string
	for _, n := range r.notes {
		subjects = append(subjects, n.Subject)
	}
	return subjects
}

type fixture struct {
	pipeline   *Pipeline
	store      *stateflow.MemoryStore
	objects    *DirObjectStore
	transcoder *fakeTranscoder
	records    *MemoryRecords
	queue      *MemoryQueue
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, height int, configure ...func(*Options)) *fixture {
	t.Helper()
	objects, err := NewDirObjectStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store:      stateflow.NewMemoryStore(),
		objects:    objects,
		transcoder: &fakeTranscoder{fail: map[string]error{}},
		records:    NewMemoryRecords(),
		queue:      &MemoryQueue{},
		notifier:   &recordingNotifier{},
	}
	opts := Options{
		Store: f.store,
		Deps: Deps{
			Objects:       objects,
			Prober:        &fakeProber{height: height},
			Transcoder:    f.transcoder,
			Records:       f.records,
			Queue:         f.queue,
			Notifier:      f.notifier,
			ArchiveSource: true,
		},
	}
	for _, fn := range configure {
		fn(&opts)
	}
	f.pipeline, err = New(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) put(t *testing.T, bucket, key, body string) {
	t.Helper()
	require.NoError(t, f.objects.Put(context.Background(), bucket, key, strings.NewReader(body)))
}

func TestDefinitionsLoad(t *testing.T) {
	defs, err := Definitions()
	require.NoError(t, err)
	var names []string
	for _, def := range defs {
		names = append(names, def.Name())
	}
	require.ElementsMatch(t, []string{DefinitionIngest, DefinitionIngestAsync, DefinitionPublish}, names)
}

func TestNewRequiresClients(t *testing.T) {
	_, err := New(Options{Store: stateflow.NewMemoryStore()})
	require.Error(t, err)
	_, err = New(Options{Deps: Deps{Objects: &DirObjectStore{}, Prober: &fakeProber{}, Transcoder: &fakeTranscoder{}}})
	require.Error(t, err)
}

func TestIngestEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1080)
	f.put(t, "b", "clip.mp4", "video")

	results, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4", "etag": "e1"}`))
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.NoError(t, res.Err)
	require.False(t, res.Duplicate)
	require.Equal(t, ObjectKey("b", "clip.mp4", "e1"), res.Key)

	run := res.Run
	require.Equal(t, stateflow.RunSucceeded, run.Status)
	require.Equal(t, "hd", run.Context["profile"])
	require.Equal(t, "b/"+res.Key+"/mp4/clip.mp4", run.Context["mp4Output"])
	require.Equal(t, "b/"+res.Key+"/hls/clip.m3u8", run.Context["hlsOutput"])
	require.Equal(t, "Complete", run.Context["workflowStatus"])
	require.Equal(t, true, run.Context["archived"])
	require.NotContains(t, run.Context, "mediaInfo")

	var states []string
	for _, entry := range run.History {
		states = append(states, entry.State)
	}
	require.ElementsMatch(t, []string{"Validate", "Probe", "Profile", "EncodeMp4", "EncodeHls", "Encode", "Publish", "Archive"}, states)

	record, err := f.records.Get(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, "Complete", record["workflowStatus"])
	require.NotContains(t, record, "mediaInfo")

	messages := f.queue.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, res.Key, messages[0].Group)

	tags, err := f.objects.Tags(ctx, "b", "clip.mp4")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"archived": "true", "guid": res.Key}, tags)
	require.Equal(t, []string{"Workflow complete"}, f.notifier.Subjects())
}

func TestIngestSelectsSDProfile(t *testing.T) {
	f := newFixture(t, 480)
	f.put(t, "b", "small.mov", "video")

	results, err := f.pipeline.Ingest(context.Background(), []byte(`{"bucket": "b", "key": "small.mov"}`))
	require.NoError(t, err)
	require.Equal(t, "sd", results[0].Run.Context["profile"])
	for _, job := range f.transcoder.Jobs() {
		require.Equal(t, ProfileSD, job.Profile)
	}
}

func TestIngestSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 720)
	f.put(t, "b", "clip.mp4", "video")
	event := []byte(`{"bucket": "b", "key": "clip.mp4", "etag": "e1"}`)
	key := ObjectKey("b", "clip.mp4", "e1")

	// A run in progress holds the key.
	inFlight, err := f.pipeline.Engine().Start(ctx, DefinitionIngest, key, map[string]any{"srcBucket": "b", "srcVideo": "clip.mp4"})
	require.NoError(t, err)

	results, err := f.pipeline.Ingest(ctx, event)
	require.NoError(t, err)
	require.True(t, results[0].Duplicate)
	require.Equal(t, inFlight.ID, results[0].ExistingRunID)
	require.Equal(t, []string{"Already processed"}, f.notifier.Subjects())

	// Once it succeeds, a redelivered event is still a duplicate.
	done, err := f.pipeline.Engine().RunToCompletion(ctx, inFlight.ID)
	require.NoError(t, err)
	require.Equal(t, stateflow.RunSucceeded, done.Status)

	results, err = f.pipeline.Ingest(ctx, event)
	require.NoError(t, err)
	require.True(t, results[0].Duplicate)
	require.Equal(t, inFlight.ID, results[0].ExistingRunID)

	// A new object version is a new asset.
	results, err = f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4", "etag": "e2"}`))
	require.NoError(t, err)
	require.False(t, results[0].Duplicate)
	require.Equal(t, stateflow.RunSucceeded, results[0].Run.Status)
}

func TestIngestRejectsUnsupportedSource(t *testing.T) {
	f := newFixture(t, 720)
	results, err := f.pipeline.Ingest(context.Background(), []byte(`{"bucket": "b", "key": "notes.txt"}`))
	require.NoError(t, err)
	run := results[0].Run
	require.Equal(t, stateflow.RunFailed, run.Status)
	require.Equal(t, "Validate", run.Error.State)
	require.Equal(t, stateflow.ErrorTypeFatal, run.Error.Type)
	require.Equal(t, 1, run.Error.Attempts)
	require.Len(t, f.notifier.Subjects(), 1)
	require.Empty(t, f.transcoder.Jobs())
}

func TestIngestMetadataDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1080)
	f.put(t, "b", "clip.mp4", "video")
	f.put(t, "b", "clip.json", `{"srcVideo": "clip.mp4", "title": "Clip", "archiveSource": false}`)

	results, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.json"}`))
	require.NoError(t, err)
	run := results[0].Run
	require.Equal(t, stateflow.RunSucceeded, run.Status)
	require.Equal(t, "Clip", run.Context["title"])
	require.Equal(t, "clip.mp4", run.Context["srcVideo"])
	require.Equal(t, "clip.json", run.Context["srcMetadataFile"])
	require.Equal(t, false, run.Context["archived"])

	tags, err := f.objects.Tags(ctx, "b", "clip.mp4")
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestIngestMetadataMissingVideo(t *testing.T) {
	f := newFixture(t, 1080)
	f.put(t, "b", "clip.json", `{"title": "Clip"}`)
	results, err := f.pipeline.Ingest(context.Background(), []byte(`{"bucket": "b", "key": "clip.json"}`))
	require.NoError(t, err)
	require.Equal(t, stateflow.RunFailed, results[0].Run.Status)
	require.Contains(t, results[0].Run.Error.Cause, "srcVideo is required")
}

// assetRun returns the newest ingest run for an object key.
func (f *fixture) assetRun(t *testing.T, key string) *stateflow.Run {
	t.Helper()
	run, err := f.pipeline.Engine().GetByKey(context.Background(), key)
	require.NoError(t, err)
	return run
}

type failingQueue struct{}

func (failingQueue) Send(ctx context.Context, group string, body map[string]any) error {
	return stateflow.Fatal(errors.New("queue closed"))
}

func TestAsyncIngestPublishesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1080, func(o *Options) { o.Async = true })
	f.put(t, "b", "clip.mp4", "video")

	results, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4", "etag": "e1"}`))
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Equal(t, DefinitionIngestAsync, results[0].Run.DefinitionID)
	require.Contains(t, []stateflow.RunStatus{stateflow.RunWaiting, stateflow.RunSucceeded}, results[0].Run.Status)

	f.transcoder.wg.Wait()

	ingest := f.assetRun(t, results[0].Key)
	require.Equal(t, results[0].Run.ID, ingest.ID)
	require.Equal(t, stateflow.RunSucceeded, ingest.Status)
	require.Len(t, ingest.Context["encodeJobs"], 2)
	require.Equal(t, "Complete", ingest.Context["workflowStatus"])
	last := ingest.History[len(ingest.History)-1]
	require.Equal(t, "AwaitEncodes", last.State)
	require.Equal(t, stateflow.StateWait, last.Type)

	rec, err := f.pipeline.Joiner().Get(ctx, results[0].Key)
	require.NoError(t, err)
	require.Equal(t, stateflow.JoinSatisfied, rec.Status)
	require.True(t, rec.ActionDone)
	require.Equal(t, ingest.ID, rec.RunID)
	require.Equal(t, map[string]string{FormatMP4: ingest.ID, FormatHLS: ingest.ID}, rec.Runs)

	publish, err := f.pipeline.Engine().GetByKey(ctx, publishKey(results[0].Key, ingest.ID))
	require.NoError(t, err)
	require.Equal(t, stateflow.RunSucceeded, publish.Status)
	require.Equal(t, DefinitionPublish, publish.DefinitionID)
	require.Equal(t, publish.ID, ingest.Context["publishRunId"])
	require.NotEmpty(t, publish.Context["mp4Output"])
	require.NotEmpty(t, publish.Context["hlsOutput"])

	require.Len(t, f.queue.Messages(), 1)
	record, err := f.records.Get(ctx, results[0].Key)
	require.NoError(t, err)
	require.Equal(t, "hd", record["profile"])

	// A redelivered completion does not publish again.
	f.pipeline.completeEncode(ctx, results[0].Key, ingest.ID, FormatHLS, ingest.Context,
		&EncodeResult{Bucket: "b", Key: "x.m3u8"}, nil)
	require.Len(t, f.queue.Messages(), 1)

	// Neither does invoking the join action again for the same round.
	require.NoError(t, f.pipeline.startPublish(ctx, rec))
	require.Len(t, f.queue.Messages(), 1)
	runs, err := f.pipeline.Engine().List(ctx, stateflow.RunFilter{DefinitionID: DefinitionPublish})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// The asset was processed, so the same object version is skipped.
	again, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4", "etag": "e1"}`))
	require.NoError(t, err)
	require.True(t, again[0].Duplicate)
	require.Equal(t, ingest.ID, again[0].ExistingRunID)
}

func TestAsyncEncodeFailureExpiresJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1080, func(o *Options) {
		o.Async = true
		o.JoinTimeout = time.Hour
	})
	f.transcoder.fail[FormatHLS] = errors.New("encoder crashed")
	f.put(t, "b", "clip.mp4", "video")

	results, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4"}`))
	require.NoError(t, err)
	f.transcoder.wg.Wait()
	ingest := f.assetRun(t, results[0].Key)
	require.Equal(t, stateflow.RunWaiting, ingest.Status)
	require.Equal(t, "AwaitEncodes", ingest.CurrentState)

	// While the run waits, the object is still being processed.
	dup, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4"}`))
	require.NoError(t, err)
	require.True(t, dup[0].Duplicate)

	rec, err := f.pipeline.Joiner().Get(ctx, results[0].Key)
	require.NoError(t, err)
	require.Equal(t, []string{FormatHLS}, rec.Missing())

	expired, err := f.pipeline.ExpireJoins(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, []string{FormatHLS}, expired[0].Missing)

	failed := f.assetRun(t, results[0].Key)
	require.Equal(t, stateflow.RunFailed, failed.Status)
	require.Equal(t, stateflow.ErrorTypeJoinTimeout, failed.Error.Type)
	require.Equal(t, "AwaitEncodes", failed.Error.State)

	_, err = f.pipeline.Engine().GetByKey(ctx, publishKey(results[0].Key, ingest.ID))
	require.ErrorIs(t, err, stateflow.ErrRunNotFound)
	require.Contains(t, f.notifier.Subjects(), "Encode failed")
	require.Empty(t, f.queue.Messages())
}

func TestAsyncJoinTimeoutAllowsReprocessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1080, func(o *Options) {
		o.Async = true
		o.JoinTimeout = time.Hour
	})
	f.transcoder.fail[FormatHLS] = errors.New("encoder crashed")
	f.put(t, "b", "clip.mp4", "video")
	event := []byte(`{"bucket": "b", "key": "clip.mp4", "etag": "e1"}`)

	first, err := f.pipeline.Ingest(ctx, event)
	require.NoError(t, err)
	f.transcoder.wg.Wait()
	_, err = f.pipeline.ExpireJoins(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, stateflow.RunFailed, f.assetRun(t, first[0].Key).Status)

	// The encoder recovered; the same event is processed again from scratch.
	f.transcoder.mutex.Lock()
	delete(f.transcoder.fail, FormatHLS)
	f.transcoder.mutex.Unlock()

	second, err := f.pipeline.Ingest(ctx, event)
	require.NoError(t, err)
	require.False(t, second[0].Duplicate)
	require.NotNil(t, second[0].Run)
	require.NotEqual(t, first[0].Run.ID, second[0].Run.ID)
	f.transcoder.wg.Wait()

	ingest := f.assetRun(t, first[0].Key)
	require.Equal(t, second[0].Run.ID, ingest.ID)
	require.Equal(t, stateflow.RunSucceeded, ingest.Status)
	require.Len(t, f.queue.Messages(), 1)

	rec, err := f.pipeline.Joiner().Get(ctx, first[0].Key)
	require.NoError(t, err)
	require.Equal(t, ingest.ID, rec.RunID)
	require.True(t, rec.ActionDone)

	// The first round's encodes reporting late cannot disturb the new round.
	f.pipeline.completeEncode(ctx, first[0].Key, first[0].Run.ID, FormatHLS, map[string]any{},
		&EncodeResult{Bucket: "b", Key: "late.m3u8"}, nil)
	require.Len(t, f.queue.Messages(), 1)
}

func TestAsyncPublishFailureFailsIngestRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1080, func(o *Options) {
		o.Async = true
		o.Deps.Queue = failingQueue{}
	})
	f.put(t, "b", "clip.mp4", "video")

	results, err := f.pipeline.Ingest(ctx, []byte(`{"bucket": "b", "key": "clip.mp4"}`))
	require.NoError(t, err)
	f.transcoder.wg.Wait()

	ingest := f.assetRun(t, results[0].Key)
	require.Equal(t, stateflow.RunFailed, ingest.Status)
	require.Equal(t, stateflow.ErrorTypeFatal, ingest.Error.Type)
	require.Contains(t, ingest.Error.Cause, "queue closed")

	publish, err := f.pipeline.Engine().GetByKey(ctx, publishKey(results[0].Key, ingest.ID))
	require.NoError(t, err)
	require.Equal(t, stateflow.RunFailed, publish.Status)
}
