package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// AgentExecutor sends actions to the lifecycle agent running next to each service.
//
// The agent answers 200 OK or 202 Accepted when it carried out the action. Any
// other status is a failure; the body (truncated) becomes the error detail.
type AgentExecutor struct {
	client *http.Client
}

func NewAgentExecutor(client *http.Client) *AgentExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &AgentExecutor{client: client}
}

type agentRequest struct {
	Action          store.Action `json:"action"`
	Reason          string       `json:"reason,omitempty"`
	TargetInstances int          `json:"target_instances,omitempty"`
}

type agentResponse struct {
	Message string `json:"message"`
}

func (e *AgentExecutor) Perform(ctx context.Context, d store.Descriptor, action store.Action, params store.ActionParams) (Outcome, error) {
	if d.AgentURL == "" {
		return Outcome{}, fmt.Errorf("no agent configured for %s", d.HostKey())
	}
	url := strings.TrimRight(d.AgentURL, "/") + "/lifecycle/" + strings.ToLower(string(action))

	data, err := json.Marshal(agentRequest{Action: action, Reason: params.Reason, TargetInstances: params.TargetInstances})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to contact agent: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return Outcome{Message: string(body)}, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var ar agentResponse
	if len(body) > 0 && json.Unmarshal(body, &ar) == nil && ar.Message != "" {
		return Outcome{Success: true, Message: ar.Message}, nil
	}
	return Outcome{Success: true, Message: fmt.Sprintf("%s accepted by agent", action)}, nil
}
