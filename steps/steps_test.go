package steps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stateflow"
)

func input(params map[string]any) stateflow.StepInput {
	return stateflow.StepInput{
		RunID:      "run_test",
		State:      "Call",
		Payload:    stateflow.NewPayload(map[string]any{"guid": "abc", "height": 720}),
		Parameters: params,
	}
}

func errorType(t *testing.T, err error) string {
	t.Helper()
	var wErr *stateflow.WorkflowError
	require.ErrorAs(t, err, &wErr)
	return wErr.Type
}

func TestBuiltinNamesAreUnique(t *testing.T) {
	registry, err := stateflow.NewRegistry(Builtin(nil)...)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"log", "sleep", "time", "fail", "http", "script"}, registry.Names())
}

func TestSleep(t *testing.T) {
	step := &SleepStep{}
	_, err := step.Execute(context.Background(), input(map[string]any{"duration": "5ms"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = step.Execute(ctx, input(map[string]any{"duration": 60}))
	require.ErrorIs(t, err, context.Canceled)

	_, err = step.Execute(context.Background(), input(map[string]any{"duration": "soon"}))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))
	_, err = step.Execute(context.Background(), input(nil))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))
}

func TestTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	step := &TimeStep{Now: func() time.Time { return fixed }}
	out, err := step.Execute(context.Background(), input(map[string]any{"output": "endTime"}))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"endTime": "2026-03-01T11:00:00Z"}, out)
}

func TestFail(t *testing.T) {
	step := &FailStep{}
	_, err := step.Execute(context.Background(), input(nil))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))

	_, err = step.Execute(context.Background(), input(map[string]any{"error": "retryable", "message": "flaky"}))
	require.Equal(t, stateflow.ErrorTypeRetryable, errorType(t, err))
	require.ErrorContains(t, err, "flaky")

	_, err = step.Execute(context.Background(), input(map[string]any{"error": "bogus"}))
	require.ErrorContains(t, err, "invalid error type")
}

func TestLogRequiresMessage(t *testing.T) {
	step := &LogStep{}
	_, err := step.Execute(context.Background(), input(map[string]any{"message": "hello", "level": "warn"}))
	require.NoError(t, err)
	_, err = step.Execute(context.Background(), input(map[string]any{"message": "hello", "level": "loud"}))
	require.Error(t, err)
	_, err = step.Execute(context.Background(), input(nil))
	require.Error(t, err)
}

func TestHTTP(t *testing.T) {
	var got struct {
		method, runHeader, contentType string
		body                           map[string]any
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			got.method = r.Method
			got.runHeader = r.Header.Get("X-Stateflow-Run")
			got.contentType = r.Header.Get("Content-Type")
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &got.body)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_, _ = w.Write([]byte(`{"accepted": true}`))
		case "/busy":
			http.Error(w, "try later", http.StatusServiceUnavailable)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer server.Close()

	step := NewHTTPStep(server.Client())
	out, err := step.Execute(context.Background(), input(map[string]any{
		"url":    server.URL + "/ok",
		"method": "post",
		"json":   map[string]any{"guid": "abc"},
		"output": "webhook",
	}))
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "run_test", got.runHeader)
	require.Equal(t, "application/json", got.contentType)
	require.Equal(t, map[string]any{"guid": "abc"}, got.body)

	result := out["webhook"].(map[string]any)
	require.Equal(t, http.StatusOK, result["status"])
	require.Equal(t, map[string]any{"accepted": true}, result["json"])

	_, err = step.Execute(context.Background(), input(map[string]any{"url": server.URL + "/busy"}))
	require.Equal(t, stateflow.ErrorTypeRetryable, errorType(t, err))

	_, err = step.Execute(context.Background(), input(map[string]any{"url": server.URL + "/missing"}))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))

	_, err = step.Execute(context.Background(), input(nil))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))
}

func TestHTTPConnectionErrorIsRecoverable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPStep(nil).Execute(context.Background(), input(map[string]any{"url": url, "timeout": 1}))
	require.Error(t, err)
	require.Equal(t, stateflow.ErrorTypeRetryable, stateflow.ClassifyError(err).Type)
}

func TestScript(t *testing.T) {
	step := Builtin(nil)[5]
	require.Equal(t, "script", step.Name())

	out, err := step.Execute(context.Background(), input(map[string]any{
		"code": "update := {\"hd\": state.height >= 720, \"ref\": run.id}\nupdate",
	}))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"hd": true, "ref": "run_test"}, out)

	out, err = step.Execute(context.Background(), input(map[string]any{
		"code":   `len(state.guid)`,
		"output": "guidLength",
	}))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"guidLength": int64(3)}, out)

	_, err = step.Execute(context.Background(), input(map[string]any{"code": `{`}))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))

	_, err = step.Execute(context.Background(), input(nil))
	require.Equal(t, stateflow.ErrorTypeFatal, errorType(t, err))
}
