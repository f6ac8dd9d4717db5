// Package notify provides stateflow.Notifier sinks: ntfy topics over HTTP,
// Redis pub/sub channels, and structured log records.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stateflow"
)

const userAgent = "stateflow/0.1"

var _ stateflow.Notifier = (*Ntfy)(nil)

// Ntfy posts notifications to an ntfy topic URL.
type Ntfy struct {
	endpoint string
	client   *http.Client
	tags     []string
}

// NtfyOption configures an Ntfy notifier.
type NtfyOption func(*Ntfy)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) NtfyOption {
	return func(n *Ntfy) { n.client = client }
}

// WithTags adds tags to every notification.
func WithTags(tags ...string) NtfyOption {
	return func(n *Ntfy) { n.tags = append(n.tags, tags...) }
}

// NewNtfy returns a notifier for the topic URL. An empty topic yields a
// notifier that drops everything, so callers can wire it unconditionally.
func NewNtfy(topic string, timeout time.Duration, opts ...NtfyOption) stateflow.Notifier {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return stateflow.NullNotifier{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Ntfy{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		tags:     []string{"stateflow"},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Ntfy) Notify(ctx context.Context, note stateflow.Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(formatMessage(note)))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if note.Subject != "" {
		req.Header.Set("Title", note.Subject)
	}
	tags := append([]string{}, n.tags...)
	tags = append(tags, string(note.Level))
	req.Header.Set("Tags", strings.Join(tags, ","))
	if note.Level == stateflow.LevelError {
		req.Header.Set("Priority", "high")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// formatMessage renders the body: the message followed by identifying lines
// and any extra fields in key order.
func formatMessage(note stateflow.Notification) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(note.Message))
	line := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "\n%s: %s", label, value)
	}
	line("Run", note.RunID)
	line("Key", note.Key)
	line("Workflow", note.DefinitionID)
	keys := make([]string, 0, len(note.Fields))
	for k := range note.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(k, fmt.Sprint(note.Fields[k]))
	}
	return b.String()
}
