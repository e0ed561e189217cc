// Package agentclient implements the HTTP client side of the
// agent-local-server contract (spec.md §6): health polling, chat
// invocation with streamed deltas, best-effort abort, credential hot
// reload, and meta-prompt injection. It is consumed through the narrow
// collaborator interfaces declared by lifecycle, credentials, execqueue
// and process so none of those packages import net/http directly.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
)

// Client talks HTTP to an agent-local server. One Client serves every
// agent on the host; the target address is resolved per call from the
// agent's allocated port, not held as instance state.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// New builds a Client. timeout bounds every non-streaming call; the
// chat stream itself is bounded by the caller's context instead.
func New(timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithFields(zap.String("component", "agentclient")),
	}
}

func baseURL(ip string, port int) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}

func agentBaseURL(agent *domain.Agent) string {
	return baseURL("127.0.0.1", agent.Ports.InternalHTTP)
}

// CheckHealth implements lifecycle.AgentClient: GET /health must return
// 200 for the agent to be considered ready (spec.md §4.2).
func (c *Client) CheckHealth(ctx context.Context, ip string, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(ip, port)+"/health", nil)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "build health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return trinityerr.Wrap(trinityerr.EngineUnavailable, "health check unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return trinityerr.New(trinityerr.EngineUnavailable, fmt.Sprintf("health check returned %d", resp.StatusCode))
	}
	return nil
}

type metaPromptRequest struct {
	Prompt string `json:"prompt"`
}

// InjectMetaPrompt implements lifecycle.AgentClient: POST /trinity/inject
// delivers the control-plane meta-prompt blob once the agent is healthy.
func (c *Client) InjectMetaPrompt(ctx context.Context, ip string, port int, agent *domain.Agent) error {
	payload, err := json.Marshal(metaPromptRequest{Prompt: metaPromptFor(agent)})
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal meta-prompt", err)
	}
	resp, err := c.postJSON(ctx, baseURL(ip, port)+"/trinity/inject", payload)
	if err != nil {
		return trinityerr.Wrap(trinityerr.EngineUnavailable, "inject meta-prompt", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return trinityerr.New(trinityerr.EngineUnavailable, fmt.Sprintf("meta-prompt injection returned %d", resp.StatusCode))
	}
	return nil
}

// metaPromptFor renders the fixed control-plane preamble every agent
// receives on startup: its own name and the invocation contract it
// must honor when it wants to call another agent.
func metaPromptFor(agent *domain.Agent) string {
	return fmt.Sprintf(
		"You are running under Trinity as agent %q. To call another agent, "+
			"use the Trinity invocation tool rather than contacting it directly.",
		agent.Name,
	)
}

type reloadResponse struct {
	RestartRequired bool     `json:"restart_required"`
	Changed         []string `json:"changed"`
}

// ReloadCredentials implements credentials.AgentNotifier: POST
// /credentials/reload tells the agent-local server to re-read its
// environment and credential files after a hot reload render.
func (c *Client) ReloadCredentials(ctx context.Context, agent *domain.Agent) (bool, []string, error) {
	resp, err := c.postJSON(ctx, agentBaseURL(agent)+"/credentials/reload", nil)
	if err != nil {
		return false, nil, trinityerr.Wrap(trinityerr.EngineUnavailable, "reload credentials", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, nil, trinityerr.Wrap(trinityerr.Internal, "read reload response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil, trinityerr.New(trinityerr.EngineUnavailable, fmt.Sprintf("reload-credentials returned %d", resp.StatusCode))
	}
	var result reloadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, nil, trinityerr.Wrap(trinityerr.Internal, "parse reload response", err)
	}
	return result.RestartRequired, result.Changed, nil
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session-id,omitempty"`
	Stream    bool   `json:"stream"`
}

// chatFrame is one line of a streamed /chat response, or the whole body
// when the agent answers synchronously.
type chatFrame struct {
	Type  string         `json:"type,omitempty"`
	Text  string         `json:"text,omitempty"`
	Usage *frameUsage    `json:"usage,omitempty"`
	Cost  float64        `json:"cost,omitempty"`
	Delta map[string]any `json:"delta,omitempty"`
}

type frameUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// Invoke implements execqueue.AgentInvoker: POST /chat with
// stream:true, translating each newline-delimited frame into a
// execqueue.Delta for the caller's onDelta callback, and folding the
// terminal "done" frame into an InvokeResult.
func (c *Client) Invoke(ctx context.Context, agent *domain.Agent, request string, onDelta func(execqueue.Delta)) (execqueue.InvokeResult, error) {
	payload, err := json.Marshal(chatRequest{Message: request, Stream: true})
	if err != nil {
		return execqueue.InvokeResult{}, trinityerr.Wrap(trinityerr.Internal, "marshal chat request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentBaseURL(agent)+"/chat", bytes.NewReader(payload))
	if err != nil {
		return execqueue.InvokeResult{}, trinityerr.Wrap(trinityerr.Internal, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return execqueue.InvokeResult{}, trinityerr.Wrap(trinityerr.EngineUnavailable, "chat unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return execqueue.InvokeResult{}, trinityerr.New(trinityerr.EngineUnavailable, fmt.Sprintf("chat returned %d: %s", resp.StatusCode, string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	var result execqueue.InvokeResult
	for {
		var frame chatFrame
		if err := decoder.Decode(&frame); err != nil {
			if err == io.EOF {
				break
			}
			return result, trinityerr.Wrap(trinityerr.Internal, "decode chat frame", err)
		}

		switch frame.Type {
		case "", "done":
			result.ResponseSummary = frame.Text
			result.Cost = frame.Cost
			if frame.Usage != nil {
				result.Tokens = domain.TokenUsage{
					InputTokens:         frame.Usage.InputTokens,
					OutputTokens:        frame.Usage.OutputTokens,
					CacheReadTokens:     frame.Usage.CacheReadTokens,
					CacheCreationTokens: frame.Usage.CacheCreationTokens,
				}
			}
			if frame.Type == "done" || frame.Type == "" {
				return result, nil
			}
		case "tool_use":
			onDelta(execqueue.Delta{Kind: domain.ActivityKindToolCall, Payload: frame.Delta})
		case "message_delta":
			onDelta(execqueue.Delta{Kind: domain.ActivityKindMessageOut, Payload: frame.Delta})
		case "usage":
			if frame.Usage != nil {
				onDelta(execqueue.Delta{Kind: domain.ActivityKindCustom, Payload: map[string]any{
					"input_tokens": frame.Usage.InputTokens, "output_tokens": frame.Usage.OutputTokens,
				}})
			}
		}
	}
	return result, nil
}

// Abort implements execqueue.AgentInvoker: POST /abort is best-effort —
// a non-2xx response or network error is logged, not propagated, since
// the queue worker is already tearing down the execution either way.
func (c *Client) Abort(ctx context.Context, agent *domain.Agent, executionID string) error {
	resp, err := c.postJSON(ctx, agentBaseURL(agent)+"/abort", nil)
	if err != nil {
		c.logger.Warn("abort request failed", zap.String("agent", agent.Name), zap.String("execution", executionID), zap.Error(err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		c.logger.Warn("abort returned non-2xx", zap.String("agent", agent.Name), zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}
