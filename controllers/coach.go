package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tosin-A/Cora-Lockin/services"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

// CoachController exposes the chat surface. All collaborators are injected so
// handlers never reach for package globals.
type CoachController struct {
	Orchestrator *services.Orchestrator
	Gateway      *services.QuotaGateway
	Ledger       *services.ReconciliationLedger
	Sessions     *services.SessionRegistry
}

func NewCoachController(orch *services.Orchestrator, gateway *services.QuotaGateway,
	ledger *services.ReconciliationLedger, sessions *services.SessionRegistry) *CoachController {
	return &CoachController{
		Orchestrator: orch,
		Gateway:      gateway,
		Ledger:       ledger,
		Sessions:     sessions,
	}
}

type chatRequest struct {
	Message      string `json:"message"`
	ClientTempID string `json:"client_temp_id,omitempty"`
	ResponseType string `json:"response_type,omitempty"`
}

const maxMessageLength = 4000

// Chat handles POST /api/v1/coach/chat.
func (c *CoachController) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserID(r)
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.APIResponse{Success: false, Message: "Unauthorized"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: "Invalid request body"})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: "Message is required"})
		return
	}
	if len(req.Message) > maxMessageLength {
		utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{
			Success: false,
			Message: fmt.Sprintf("Message exceeds maximum length of %d characters", maxMessageLength),
		})
		return
	}

	result, err := c.Orchestrator.Chat(r.Context(), userID, req.Message, req.ClientTempID, req.ResponseType)
	if err != nil {
		c.writeChatError(w, userID, result, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: "OK", Data: result})
}

// writeChatError maps pipeline errors to status codes. Upstream failures
// still carry the fallback result so the client has something to render.
func (c *CoachController) writeChatError(w http.ResponseWriter, userID uint, result *services.ChatResult, err error) {
	var rateErr *services.RateLimitedError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		utils.WriteJSON(w, http.StatusTooManyRequests, utils.APIResponse{
			Success: false,
			Message: "Too many requests, please slow down",
			Data: map[string]interface{}{
				"retry_after_seconds": int(rateErr.RetryAfter.Seconds()),
			},
		})
		return
	}

	var quotaErr *services.QuotaExceededError
	if errors.As(err, &quotaErr) {
		utils.WriteJSON(w, http.StatusPaymentRequired, utils.APIResponse{
			Success: false,
			Message: "Upgrade to continue chatting with your coach",
			Data: map[string]interface{}{
				"reason": quotaErr.Reason,
				"usage":  quotaErr.Usage,
			},
		})
		return
	}

	if errors.Is(err, services.ErrTurnActive) {
		utils.WriteJSON(w, http.StatusConflict, utils.APIResponse{
			Success: false,
			Message: "Your coach is still replying, give it a moment",
		})
		return
	}

	status := http.StatusBadGateway
	if errors.Is(err, services.ErrUpstreamTimeout) {
		status = http.StatusGatewayTimeout
	}
	log.Printf("[coach] chat failed for user %d: %v", userID, err)
	utils.WriteJSON(w, status, utils.APIResponse{
		Success: false,
		Message: "Coach is temporarily unavailable",
		Data:    result,
	})
}

// History handles GET /api/v1/coach/history.
func (c *CoachController) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserID(r)
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.APIResponse{Success: false, Message: "Unauthorized"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	msgs, err := c.Ledger.History(userID, limit, offset)
	if err != nil {
		log.Printf("[coach] history failed for user %d: %v", userID, err)
		utils.WriteJSON(w, http.StatusInternalServerError, utils.APIResponse{Success: false, Message: "Failed to load history"})
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{
		Success: true,
		Message: "OK",
		Data:    map[string]interface{}{"messages": msgs, "count": len(msgs)},
	})
}

// Usage handles GET /api/v1/coach/usage.
func (c *CoachController) Usage(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserID(r)
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.APIResponse{Success: false, Message: "Unauthorized"})
		return
	}

	stats, err := c.Gateway.Usage(userID)
	if err != nil {
		log.Printf("[coach] usage lookup failed for user %d: %v", userID, err)
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: "OK", Data: stats})
}

// Status handles GET /api/v1/coach/status: whether a session exists and
// whether a turn is currently running.
func (c *CoachController) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserID(r)
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.APIResponse{Success: false, Message: "Unauthorized"})
		return
	}

	sess, err := c.Sessions.GetActive(userID)
	if err != nil {
		log.Printf("[coach] status lookup failed for user %d: %v", userID, err)
		utils.WriteJSON(w, http.StatusInternalServerError, utils.APIResponse{Success: false, Message: "Failed to load status"})
		return
	}

	data := map[string]interface{}{"has_session": sess != nil}
	if sess != nil {
		data["session_created_at"] = sess.CreatedAt
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: "OK", Data: data})
}

// Upgrade handles POST /api/v1/coach/upgrade. In production this sits behind
// the billing webhook; the direct endpoint backs manual upgrades and testing.
func (c *CoachController) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserID(r)
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.APIResponse{Success: false, Message: "Unauthorized"})
		return
	}

	if err := c.Gateway.Upgrade(userID); err != nil {
		log.Printf("[coach] upgrade failed for user %d: %v", userID, err)
		utils.WriteJSON(w, http.StatusInternalServerError, utils.APIResponse{Success: false, Message: "Upgrade failed"})
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: "Upgraded to pro"})
}

// Reset handles POST /api/v1/coach/reset: archives the active session so the
// next message starts a fresh conversation.
func (c *CoachController) Reset(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.GetUserID(r)
	if !ok {
		utils.WriteJSON(w, http.StatusUnauthorized, utils.APIResponse{Success: false, Message: "Unauthorized"})
		return
	}

	if err := c.Sessions.Archive(userID); err != nil {
		log.Printf("[coach] reset failed for user %d: %v", userID, err)
		utils.WriteJSON(w, http.StatusInternalServerError, utils.APIResponse{Success: false, Message: "Reset failed"})
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: "Conversation reset"})
}
