package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Tosin-A/Cora-Lockin/utils"
)

// A scripted run state carrying this status makes that poll answer with an
// HTTP 500 instead of a run, simulating a transient upstream outage.
const pollFailure = "poll_failure"

// fakeAssistant is an httptest stand-in for the external conversation
// service. Run states are scripted: each poll pops the next state, the last
// one repeats.
type fakeAssistant struct {
	mu sync.Mutex

	threadSeq  int
	runSeq     int
	startState string
	runStates  []utils.Run
	stateIdx   int

	messages  []utils.ThreadMessage
	appended  []string
	submitted [][]utils.ToolOutput

	onThreadCreate func()

	server *httptest.Server
}

func newFakeAssistant(t *testing.T) (*fakeAssistant, *utils.AssistantClient) {
	t.Helper()
	f := &fakeAssistant{startState: "queued"}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)

	client := &utils.AssistantClient{
		BaseURL:    f.server.URL,
		APIKey:     "test-key",
		HTTPClient: f.server.Client(),
	}
	return f, client
}

func (f *fakeAssistant) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	path := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodPost && path == "threads":
		f.threadSeq++
		if f.onThreadCreate != nil {
			f.onThreadCreate()
		}
		json.NewEncoder(w).Encode(utils.Thread{ID: fmt.Sprintf("thread_%d", f.threadSeq)})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "messages":
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.appended = append(f.appended, body.Content)
		w.Write([]byte(`{}`))

	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "runs":
		f.runSeq++
		json.NewEncoder(w).Encode(utils.Run{
			ID:     fmt.Sprintf("run_%d", f.runSeq),
			Status: f.startState,
		})

	case r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "submit_tool_outputs":
		var body struct {
			ToolOutputs []utils.ToolOutput `json:"tool_outputs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.submitted = append(f.submitted, body.ToolOutputs)
		w.Write([]byte(`{}`))

	case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "runs":
		state := utils.Run{ID: parts[3], Status: "completed"}
		if len(f.runStates) > 0 {
			idx := f.stateIdx
			if idx >= len(f.runStates) {
				idx = len(f.runStates) - 1
			}
			state = f.runStates[idx]
			f.stateIdx++
		}
		if state.Status == pollFailure {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"temporarily unavailable"}`))
			return
		}
		if state.ID == "" {
			state.ID = parts[3]
		}
		json.NewEncoder(w).Encode(state)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "messages":
		json.NewEncoder(w).Encode(map[string]any{"data": f.messages})

	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"unknown route"}`))
	}
}

// assistantText builds one text message as the service would return it.
func assistantText(id, role, runID, text string) utils.ThreadMessage {
	var content utils.ThreadMessageContent
	content.Type = "text"
	content.Text.Value = text
	return utils.ThreadMessage{ID: id, Role: role, RunID: runID, Content: []utils.ThreadMessageContent{content}}
}
