// Package notify implements the notification step's side-channel
// delivery (spec.md §4.5): a webhook POST, following the teacher's own
// plain net/http.Client idiom for outbound calls (e.g.
// internal/agentctl/client) rather than reaching for an HTTP framework
// on the sending side.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

// Sender delivers a rendered notification step to an http(s) webhook
// URL. channel values that are not a webhook URL (e.g. a bare email
// address) are logged and dropped: Trinity has no outbound mail
// transport in its dependency stack, so a deployment that wants email
// fronts it with a webhook relay.
type Sender struct {
	client *http.Client
	logger *logger.Logger
}

// New builds a Sender with a bounded per-request timeout; a slow or
// unreachable webhook must never stall the step's goroutine past a few
// seconds, since notification steps are meant to be fire-and-forget.
func New(log *logger.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithFields(zap.String("component", "notify")),
	}
}

type webhookBody struct {
	Message string `json:"message"`
}

// Send posts rendered to channel as a JSON webhook payload.
func (s *Sender) Send(ctx context.Context, channel, rendered string) error {
	if !strings.HasPrefix(channel, "http://") && !strings.HasPrefix(channel, "https://") {
		s.logger.Warn("dropping notification to non-webhook channel", zap.String("channel", channel))
		return trinityerr.New(trinityerr.InvalidInput, "notification channel must be an http(s) webhook URL").WithHint(channel)
	}

	payload, err := json.Marshal(webhookBody{Message: rendered})
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal notification payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel, bytes.NewReader(payload))
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "build notification request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "deliver notification", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return trinityerr.New(trinityerr.Internal, "webhook rejected notification").WithHint(resp.Status)
	}
	return nil
}
