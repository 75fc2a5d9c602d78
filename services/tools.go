package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

// Typed tool registry for the assistant's function calls. Handlers run with a
// per-tool timeout and always produce an output: a failed handler reports its
// error as the tool result so the external run can resume instead of hanging
// in requires_action.

const (
	toolTimeout     = 30 * time.Second
	maxToolOutput   = 4000
	truncatedMarker = "... [truncated]"
)

// ParamSchema describes one tool parameter in JSON-schema terms.
type ParamSchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Required    bool     `json:"-"`
}

// Tool is one callable function exposed to the assistant.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]ParamSchema
	Execute     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools available to a turn.
type Registry struct {
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(t *Tool) {
	if _, dup := r.tools[t.Name]; !dup {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions renders the registry in the wire shape StartTurn expects.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		props := make(map[string]any, len(t.Parameters))
		var required []string
		for pname, p := range t.Parameters {
			prop := map[string]any{"type": p.Type}
			if p.Description != "" {
				prop["description"] = p.Description
			}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			props[pname] = prop
			if p.Required {
				required = append(required, pname)
			}
		}
		params := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			params["required"] = required
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return defs
}

// Dispatch runs one requested tool call and always returns an output for its
// call id. Unknown tools, bad arguments and handler errors become error text
// in the output rather than aborting the batch.
func (r *Registry) Dispatch(ctx context.Context, call utils.ToolCall) utils.ToolOutput {
	out := utils.ToolOutput{ToolCallID: call.ID}

	tool, ok := r.Get(call.Function.Name)
	if !ok {
		log.Printf("[tools] unknown tool requested: %s", call.Function.Name)
		out.Output = errorOutput(fmt.Sprintf("unknown tool: %s", call.Function.Name))
		return out
	}

	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			out.Output = errorOutput(fmt.Sprintf("invalid arguments: %v", err))
			return out
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(tool, args); err != nil {
		out.Output = errorOutput(err.Error())
		return out
	}

	execCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	result, err := tool.Execute(execCtx, args)
	if err != nil {
		log.Printf("[tools] %s failed: %v", tool.Name, err)
		out.Output = errorOutput(err.Error())
		return out
	}
	if len(result) > maxToolOutput {
		result = result[:maxToolOutput-len(truncatedMarker)] + truncatedMarker
	}
	out.Output = result
	return out
}

func validateArgs(tool *Tool, args map[string]any) error {
	for name, schema := range tool.Parameters {
		val, present := args[name]
		if !present {
			if schema.Required {
				return fmt.Errorf("missing required parameter %q", name)
			}
			continue
		}
		switch schema.Type {
		case "string":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("parameter %q must be a string", name)
			}
			if len(schema.Enum) > 0 {
				valid := false
				for _, e := range schema.Enum {
					if s == e {
						valid = true
						break
					}
				}
				if !valid {
					return fmt.Errorf("parameter %q must be one of %s", name, strings.Join(schema.Enum, ", "))
				}
			}
		case "number":
			if _, ok := val.(float64); !ok {
				return fmt.Errorf("parameter %q must be a number", name)
			}
		case "boolean":
			if _, ok := val.(bool); !ok {
				return fmt.Errorf("parameter %q must be a boolean", name)
			}
		}
	}
	return nil
}

func errorOutput(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// BuildCoachRegistry wires the coaching tools for a user. Each tool closes
// over the user id so the assistant can never reach across accounts.
func BuildCoachRegistry(db *gorm.DB, userID uint) *Registry {
	r := NewRegistry()

	r.Register(&Tool{
		Name:        "get_user_memory",
		Description: "Retrieve stored facts about the user, optionally filtered by memory type.",
		Parameters: map[string]ParamSchema{
			"memory_type": {
				Type:        "string",
				Description: "Filter by type of memory",
				Enum:        []string{"goal", "preference", "milestone", "struggle", "insight"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			q := db.WithContext(ctx).Where("user_id = ?", userID)
			if mt, ok := args["memory_type"].(string); ok && mt != "" {
				q = q.Where("memory_type = ?", mt)
			}
			var memories []models.UserMemory
			if err := q.Order("importance DESC").Limit(20).Find(&memories).Error; err != nil {
				return "", fmt.Errorf("load memories: %w", err)
			}
			if len(memories) == 0 {
				return `{"memories": []}`, nil
			}
			type item struct {
				Type       string  `json:"type"`
				Title      string  `json:"title"`
				Content    string  `json:"content"`
				Importance float64 `json:"importance"`
			}
			items := make([]item, 0, len(memories))
			for _, m := range memories {
				items = append(items, item{Type: m.MemoryType, Title: m.Title, Content: m.Content, Importance: m.Importance})
			}
			data, err := json.Marshal(map[string]any{"memories": items})
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})

	r.Register(&Tool{
		Name:        "store_user_memory",
		Description: "Store an important fact learned about the user for future conversations.",
		Parameters: map[string]ParamSchema{
			"memory_type": {
				Type:     "string",
				Enum:     []string{"goal", "preference", "milestone", "struggle", "insight"},
				Required: true,
			},
			"title":   {Type: "string", Description: "Short label for the memory", Required: true},
			"content": {Type: "string", Description: "The fact to remember", Required: true},
			"importance": {
				Type:        "number",
				Description: "Relevance from 0.0 to 1.0",
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			mem := models.UserMemory{
				UserID:     userID,
				MemoryType: args["memory_type"].(string),
				Title:      args["title"].(string),
				Content:    args["content"].(string),
				Importance: 0.5,
			}
			if imp, ok := args["importance"].(float64); ok {
				if imp < 0 {
					imp = 0
				}
				if imp > 1 {
					imp = 1
				}
				mem.Importance = imp
			}
			if err := db.WithContext(ctx).Create(&mem).Error; err != nil {
				return "", fmt.Errorf("store memory: %w", err)
			}
			return `{"stored": true}`, nil
		},
	})

	r.Register(&Tool{
		Name:        "analyze_conversation_pattern",
		Description: "Summarize the user's recent messaging activity and engagement.",
		Parameters: map[string]ParamSchema{
			"days": {Type: "number", Description: "Lookback window in days, default 7"},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			days := 7
			if d, ok := args["days"].(float64); ok && d >= 1 && d <= 90 {
				days = int(d)
			}
			since := time.Now().AddDate(0, 0, -days)

			var incoming, outgoing int64
			if err := db.WithContext(ctx).Model(&models.Message{}).
				Where("user_id = ? AND direction = ? AND created_at > ?", userID, models.DirectionIncoming, since).
				Count(&incoming).Error; err != nil {
				return "", fmt.Errorf("count messages: %w", err)
			}
			if err := db.WithContext(ctx).Model(&models.Message{}).
				Where("user_id = ? AND direction = ? AND created_at > ?", userID, models.DirectionOutgoing, since).
				Count(&outgoing).Error; err != nil {
				return "", fmt.Errorf("count messages: %w", err)
			}

			data, err := json.Marshal(map[string]any{
				"days_analyzed":     days,
				"messages_sent":     incoming,
				"messages_received": outgoing,
				"daily_average":     float64(incoming) / float64(days),
			})
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})

	return r
}
