package routes

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/Tosin-A/Cora-Lockin/controllers"
	"github.com/Tosin-A/Cora-Lockin/middleware"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

// InitRouter wires the HTTP surface. Controllers arrive fully constructed;
// nothing here reaches into package state.
func InitRouter(coach *controllers.CoachController) http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(middleware.RequestLogMiddleware)
	r.Use(middleware.MaxBodyMiddleware)
	r.Use(middleware.TimeoutMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		utils.WriteJSON(w, http.StatusOK, utils.APIResponse{Success: true, Message: "OK"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware)

	// Edge limiter in front of the chat endpoint; the durable per-user
	// limiter runs inside the gateway.
	chatLimiter := middleware.NewIPRateLimiter(60, time.Minute)

	api.Handle("/coach/chat", chatLimiter.Middleware(http.HandlerFunc(coach.Chat))).Methods(http.MethodPost)
	api.HandleFunc("/coach/history", coach.History).Methods(http.MethodGet)
	api.HandleFunc("/coach/usage", coach.Usage).Methods(http.MethodGet)
	api.HandleFunc("/coach/status", coach.Status).Methods(http.MethodGet)
	api.HandleFunc("/coach/upgrade", coach.Upgrade).Methods(http.MethodPost)
	api.HandleFunc("/coach/reset", coach.Reset).Methods(http.MethodPost)

	allowedOrigins := []string{"*"}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		allowedOrigins = strings.Split(v, ",")
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
	)

	return cors(r)
}
