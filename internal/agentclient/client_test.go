package agentclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
)

func testPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestCheckHealthSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(time.Second, logger.Default())
	err := client.CheckHealth(context.Background(), "127.0.0.1", testPort(t, srv))
	require.NoError(t, err)
}

func TestCheckHealthFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(time.Second, logger.Default())
	err := client.CheckHealth(context.Background(), "127.0.0.1", testPort(t, srv))
	require.Error(t, err)
}

func TestInjectMetaPromptPostsPrompt(t *testing.T) {
	var received metaPromptRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trinity/inject", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(time.Second, logger.Default())
	agent := &domain.Agent{Name: "svc-a"}
	err := client.InjectMetaPrompt(context.Background(), "127.0.0.1", testPort(t, srv), agent)
	require.NoError(t, err)
	require.Contains(t, received.Prompt, "svc-a")
}

func TestReloadCredentialsParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/credentials/reload", r.URL.Path)
		_ = json.NewEncoder(w).Encode(reloadResponse{RestartRequired: true, Changed: []string{"API_KEY"}})
	}))
	defer srv.Close()

	client := New(time.Second, logger.Default())
	agent := &domain.Agent{Name: "svc-a", Ports: domain.Ports{InternalHTTP: testPort(t, srv)}}
	restart, changed, err := client.ReloadCredentials(context.Background(), agent)
	require.NoError(t, err)
	require.True(t, restart)
	require.Equal(t, []string{"API_KEY"}, changed)
}

func TestInvokeStreamsDeltasAndReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)
		enc := json.NewEncoder(w)
		_ = enc.Encode(chatFrame{Type: "tool_use", Delta: map[string]any{"tool": "grep"}})
		_ = enc.Encode(chatFrame{Type: "message_delta", Delta: map[string]any{"text": "hi"}})
		_ = enc.Encode(chatFrame{Type: "done", Text: "pong", Cost: 0.02, Usage: &frameUsage{InputTokens: 10, OutputTokens: 5}})
	}))
	defer srv.Close()

	client := New(time.Second, logger.Default())
	agent := &domain.Agent{Name: "svc-a", Ports: domain.Ports{InternalHTTP: testPort(t, srv)}}

	var deltas []execqueue.Delta
	result, err := client.Invoke(context.Background(), agent, "ping", func(d execqueue.Delta) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	require.Equal(t, domain.ActivityKindToolCall, deltas[0].Kind)
	require.Equal(t, domain.ActivityKindMessageOut, deltas[1].Kind)
	require.Equal(t, "pong", result.ResponseSummary)
	require.InDelta(t, 0.02, result.Cost, 0.0001)
	require.Equal(t, int64(10), result.Tokens.InputTokens)
}

func TestAbortNeverReturnsErrorOnFailure(t *testing.T) {
	client := New(50*time.Millisecond, logger.Default())
	agent := &domain.Agent{Name: "svc-a", Ports: domain.Ports{InternalHTTP: 1}}
	err := client.Abort(context.Background(), agent, "exec-1")
	require.NoError(t, err)
}
