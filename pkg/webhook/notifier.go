package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/types"
)

// Notifier posts terminal job outcomes to caller-supplied callback
// URLs. Delivery is best-effort and fully decoupled from the job state
// machine: a dead callback endpoint never fails or retries the job
// itself.
type Notifier struct {
	client *retryablehttp.Client
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// payload is the callback body.
type payload struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *types.JobError `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// NewNotifier creates a notifier that retries each delivery up to
// attempts times with exponential backoff.
func NewNotifier(attempts int) *Notifier {
	if attempts < 1 {
		attempts = 1
	}
	client := retryablehttp.NewClient()
	client.RetryMax = attempts - 1
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Notifier{
		client: client,
		logger: log.WithComponent("webhook"),
	}
}

// Notify delivers the job's terminal state to its callback URL, if one
// was registered. Returns immediately; delivery happens in the
// background.
func (n *Notifier) Notify(job *types.Job) {
	if job.CallbackURL == "" {
		return
	}
	if !job.Status.Terminal() {
		return
	}

	body := payload{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Status:      string(job.Status),
		Result:      job.Result,
		Error:       job.Error,
		Attempts:    job.Attempts,
		CompletedAt: job.CompletedAt,
	}
	url := job.CallbackURL

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(url, &body); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
			n.logger.Warn().Err(err).
				Str("job_id", body.JobID).
				Str("url", url).
				Msg("webhook delivery failed")
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		n.logger.Debug().
			Str("job_id", body.JobID).
			Str("status", body.Status).
			Msg("webhook delivered")
	}()
}

func (n *Notifier) deliver(url string, body *payload) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

// Close waits for in-flight deliveries to finish.
func (n *Notifier) Close() {
	n.wg.Wait()
}
