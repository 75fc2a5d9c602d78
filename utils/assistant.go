package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// AssistantClient talks to the external stateful conversation service
// (OpenAI Assistants wire shape: threads, messages, runs, tool outputs).
// The API has no delta/since primitive; ListMessages always returns the whole
// history and callers filter by run id.
type AssistantClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewAssistantClient builds a client from the environment. ASSISTANT_API_BASE
// can point at a stub server in tests.
func NewAssistantClient() *AssistantClient {
	base := os.Getenv("ASSISTANT_API_BASE")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &AssistantClient{
		BaseURL: base,
		APIKey:  os.Getenv("ASSISTANT_API_KEY"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type Thread struct {
	ID string `json:"id"`
}

type ThreadMessageContent struct {
	Type string `json:"type"`
	Text struct {
		Value string `json:"value"`
	} `json:"text"`
}

type ThreadMessage struct {
	ID      string                 `json:"id"`
	Role    string                 `json:"role"`
	RunID   string                 `json:"run_id"`
	Content []ThreadMessageContent `json:"content"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type RequiredAction struct {
	Type              string `json:"type"`
	SubmitToolOutputs struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"submit_tool_outputs"`
}

type Run struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	LastError      *RunError       `json:"last_error,omitempty"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	Usage          *RunUsage       `json:"usage,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RunUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

type messageList struct {
	Data []ThreadMessage `json:"data"`
}

// APIError is a non-2xx reply from the conversation service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant API error: status %d, body: %s", e.StatusCode, e.Body)
}

// CreateSession creates a fresh external conversation session (thread).
func (c *AssistantClient) CreateSession(ctx context.Context) (string, error) {
	var t Thread
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &t); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return t.ID, nil
}

// AppendMessage appends a message to the session before starting a turn.
func (c *AssistantClient) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	body := map[string]any{"role": role, "content": content}
	if err := c.do(ctx, http.MethodPost, "/threads/"+sessionID+"/messages", body, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// StartTurn starts an asynchronous run on the session with the given
// per-turn instructions and tool definitions and returns its initial state.
func (c *AssistantClient) StartTurn(ctx context.Context, sessionID, assistantID, instructions string, tools []map[string]any) (*Run, error) {
	body := map[string]any{"assistant_id": assistantID}
	if instructions != "" {
		body["instructions"] = instructions
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+sessionID+"/runs", body, &run); err != nil {
		return nil, fmt.Errorf("start turn: %w", err)
	}
	return &run, nil
}

// GetTurn fetches the current state of a run.
func (c *AssistantClient) GetTurn(ctx context.Context, sessionID, turnID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/threads/"+sessionID+"/runs/"+turnID, nil, &run); err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return &run, nil
}

// SubmitToolOutputs submits the full batch of tool outputs for a
// requires_action run. The service resumes the run only once every requested
// call id is answered.
func (c *AssistantClient) SubmitToolOutputs(ctx context.Context, sessionID, turnID string, outputs []ToolOutput) error {
	body := map[string]any{"tool_outputs": outputs}
	if err := c.do(ctx, http.MethodPost, "/threads/"+sessionID+"/runs/"+turnID+"/submit_tool_outputs", body, nil); err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}
	return nil
}

// ListMessages returns every message ever written to the session.
func (c *AssistantClient) ListMessages(ctx context.Context, sessionID string) ([]ThreadMessage, error) {
	var list messageList
	if err := c.do(ctx, http.MethodGet, "/threads/"+sessionID+"/messages", nil, &list); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return list.Data, nil
}

func (c *AssistantClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
