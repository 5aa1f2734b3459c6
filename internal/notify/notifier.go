package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"clipline/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Notifier surfaces terminal run completion to the external collaborator
// responsible for telling end users. The orchestrator never blocks on it.
type Notifier interface {
	RunPublished(ctx context.Context, run domain.Run)
}

// LogNotifier is the default: completion lands in the log and nowhere else.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

func (n LogNotifier) RunPublished(_ context.Context, run domain.Run) {
	n.logger().Printf("run published: run_id=%s project=%s", run.ID, run.ProjectID)
}

// HTTPNotifier POSTs the published run to a configured endpoint. Delivery is
// best-effort; a failed notification is logged, never retried here.
type HTTPNotifier struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *log.Logger
}

func (n HTTPNotifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

func (n HTTPNotifier) RunPublished(ctx context.Context, run domain.Run) {
	if strings.TrimSpace(n.URL) == "" {
		return
	}
	if err := n.post(ctx, run); err != nil {
		n.logger().Printf("notify: deliver to %s failed: %v", n.URL, err)
	}
}

func (n HTTPNotifier) post(ctx context.Context, run domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clipline-Event", "run.published")
	req.Header.Set("X-Clipline-Run", run.ID)
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Clipline-Secret", n.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
