package gateway

import (
	"context"
	"encoding/base64"
	"io"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// terminalReadBufferSize bounds a single terminal.output frame; the
// proxy never batches ahead of what it can read in one syscall, so a
// runaway process in the container can at most fill the client's send
// buffer before frames start dropping (spec.md §6 rate limit).
const terminalReadBufferSize = 8 * 1024

// terminalSession is the one shell attachment a Client may hold at a
// time, scoped to a single agent's container.
type terminalSession struct {
	agentName string
	streams   *containerengine.AttachedStreams
	cancel    context.CancelFunc
}

type terminalOpenRequest struct {
	AgentName string `json:"agent_name"`
}

// handleTerminalOpen attaches to the named agent's running container,
// enforcing the access check, the running-state precondition, and the
// one-session-per-principal-per-agent concurrency cap in that order.
func (c *Client) handleTerminalOpen(ctx context.Context, msg *Message) {
	var req terminalOpenRequest
	if err := msg.ParsePayload(&req); err != nil || req.AgentName == "" {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeBadRequest, "agent_name is required"))
		return
	}

	if !c.authorizeAgent(ctx, msg, accessmatrix.ActionConfigure, req.AgentName) {
		return
	}

	agent, err := c.hub.lifecycle.Get(ctx, req.AgentName)
	if err != nil {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeNotFound, err.Error()))
		return
	}
	if agent.Status != domain.AgentStatusRunning {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeBadRequest, "agent is not running"))
		return
	}

	c.termMu.Lock()
	alreadyOpen := c.terminal != nil
	c.termMu.Unlock()
	if alreadyOpen {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeConflict, "a terminal session is already open on this connection"))
		return
	}

	if !c.hub.acquireTerminalSlot(c.principal, req.AgentName, c) {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeConflict, "a terminal session for this agent is already open"))
		return
	}

	streams, err := c.hub.engine.Attach(ctx, agent.ContainerID)
	if err != nil {
		c.hub.releaseTerminalSlot(c.principal, req.AgentName)
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeInternalError, "attach failed: "+err.Error()))
		return
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	c.termMu.Lock()
	c.terminal = &terminalSession{agentName: req.AgentName, streams: streams, cancel: cancel}
	c.termMu.Unlock()

	c.sendMessage(NewResponse(msg.ID, msg.Action, map[string]string{"agent_name": req.AgentName}))
	go c.pumpTerminalOutput(sessionCtx, req.AgentName, streams)
}

// pumpTerminalOutput relays container stdout to the client until the
// session is cancelled or the stream ends, base64-encoding each chunk
// since terminal output is not guaranteed to be valid UTF-8.
func (c *Client) pumpTerminalOutput(ctx context.Context, agentName string, streams *containerengine.AttachedStreams) {
	buf := make([]byte, terminalReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := streams.Stdout.Read(buf)
		if n > 0 {
			c.sendMessage(NewNotification(ActionTerminalOutput, map[string]string{
				"agent_name": agentName,
				"data":       base64.StdEncoding.EncodeToString(buf[:n]),
			}))
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("terminal stdout read ended", zap.String("agent", agentName), zap.Error(err))
			}
			c.closeTerminal()
			return
		}
	}
}

type terminalInputRequest struct {
	Data string `json:"data"`
}

// handleTerminalInput writes base64-decoded bytes to the open session's
// stdin. It is a no-op, not an error, if no session is open: a client
// racing a close against a keystroke should not see spurious failures.
func (c *Client) handleTerminalInput(msg *Message) {
	c.termMu.Lock()
	session := c.terminal
	c.termMu.Unlock()
	if session == nil {
		return
	}

	var req terminalInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeBadRequest, "invalid payload: "+err.Error()))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeBadRequest, "data must be base64"))
		return
	}
	if _, err := session.streams.Stdin.Write(data); err != nil {
		c.logger.Debug("terminal stdin write failed", zap.String("agent", session.agentName), zap.Error(err))
		c.closeTerminal()
	}
}

// closeTerminal tears down any open session and releases its
// concurrency slot. Safe to call when no session is open.
func (c *Client) closeTerminal() {
	c.termMu.Lock()
	session := c.terminal
	c.terminal = nil
	c.termMu.Unlock()
	if session == nil {
		return
	}
	session.cancel()
	_ = session.streams.Stdin.Close()
	c.hub.releaseTerminalSlot(c.principal, session.agentName)
}
