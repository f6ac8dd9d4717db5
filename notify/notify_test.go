package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/notify"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type capturedRequest struct {
	header http.Header
	body   string
}

func ntfyServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mutex sync.Mutex
	var requests []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mutex.Lock()
		requests = append(requests, capturedRequest{header: r.Header.Clone(), body: string(body)})
		mutex.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("topic rejected"))
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestNtfyFormatsNotification(t *testing.T) {
	server, requests := ntfyServer(t, http.StatusOK)
	notifier := notify.NewNtfy(server.URL, time.Second, notify.WithTags("vod"))

	err := notifier.Notify(context.Background(), stateflow.Notification{
		Subject:      "Workflow failed",
		Message:      "run failed in state Probe",
		Level:        stateflow.LevelError,
		RunID:        "run_1",
		Key:          "b/clip.mp4",
		DefinitionID: "vod-ingest",
		Fields:       map[string]any{"state": "Probe", "attempts": 4},
	})
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 1)
	require.Equal(t, "Workflow failed", got[0].header.Get("Title"))
	require.Equal(t, "stateflow,vod,error", got[0].header.Get("Tags"))
	require.Equal(t, "high", got[0].header.Get("Priority"))
	require.Equal(t, strings.Join([]string{
		"run failed in state Probe",
		"Run: run_1",
		"Key: b/clip.mp4",
		"Workflow: vod-ingest",
		"attempts: 4",
		"state: Probe",
	}, "\n"), got[0].body)
}

func TestNtfyInfoHasNoPriority(t *testing.T) {
	server, requests := ntfyServer(t, http.StatusOK)
	notifier := notify.NewNtfy(server.URL, 0)
	require.NoError(t, notifier.Notify(context.Background(), stateflow.Notification{
		Subject: "Already processed",
		Message: "clip.mp4 was already ingested",
		Level:   stateflow.LevelInfo,
	}))
	got := requests()
	require.Len(t, got, 1)
	require.Empty(t, got[0].header.Get("Priority"))
	require.Equal(t, "clip.mp4 was already ingested", got[0].body)
}

func TestNtfyReportsHTTPErrors(t *testing.T) {
	server, _ := ntfyServer(t, http.StatusForbidden)
	notifier := notify.NewNtfy(server.URL, time.Second)
	err := notifier.Notify(context.Background(), stateflow.Notification{Message: "x"})
	require.ErrorContains(t, err, "ntfy returned 403: topic rejected")
}

func TestNtfyWithoutTopicIsNoop(t *testing.T) {
	notifier := notify.NewNtfy("  ", time.Second)
	require.IsType(t, stateflow.NullNotifier{}, notifier)
	require.NoError(t, notifier.Notify(context.Background(), stateflow.Notification{}))
}

func TestLoggerNotifier(t *testing.T) {
	var buf bytes.Buffer
	notifier := notify.NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, notifier.Notify(context.Background(), stateflow.Notification{
		Subject: "Workflow failed",
		Message: "boom",
		Level:   stateflow.LevelError,
		RunID:   "run_1",
	}))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "ERROR", record["level"])
	require.Equal(t, "boom", record["msg"])
	require.Equal(t, "run_1", record["run_id"])
}

func TestRedisPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	publisher := notify.NewRedisPublisher(client, "")
	sub := client.Subscribe(ctx, publisher.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, publisher.Notify(ctx, stateflow.Notification{Subject: "done", Message: "ok", Level: stateflow.LevelInfo}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var note stateflow.Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &note))
	require.Equal(t, "done", note.Subject)
	require.Equal(t, stateflow.LevelInfo, note.Level)
}
