package alertbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/TheCreditPros/virtuous-cycle/telemetry"
)

// LogSink writes alerts through a telemetry.Logger. Always available with
// no configuration.
type LogSink struct {
	logger telemetry.Logger
}

func NewLogSink(logger telemetry.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, alert Alert) error {
	s.logger.WarnWithContext(ctx, "alert raised", map[string]interface{}{
		"kind": alert.Kind, "severity": alert.Severity,
		"model": alert.Subject.Model, "spectrum": alert.Subject.Spectrum,
		"measured": alert.MeasuredValue, "threshold": alert.Threshold,
	})
	return nil
}

// FileSink appends each alert as a line-delimited JSON record.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Send(ctx context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("alertbus: open %s: %w", s.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// WebhookSink POSTs each alert as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("alertbus: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
