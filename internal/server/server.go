// Package server exposes the collaboration WebSocket endpoint and a health
// check over gorilla/mux.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shaneah/infyemailer-sub009/internal/auth"
	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

// Server wires HTTP routes to the hub. The upgrade handler is where identity
// is established; everything after it trusts the session user.
type Server struct {
	hub      *collab.Hub
	signer   *auth.Signer
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func New(hub *collab.Hub, signer *auth.Signer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		hub:    hub,
		signer: signer,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  s.hub.RoomCount(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleWS authenticates the session token, upgrades the connection, and
// hands it to the hub. The templateId query parameter scopes the room; the
// client still sends a register frame before joining it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("type") != "collaboration" {
		http.Error(w, "unsupported channel type", http.StatusBadRequest)
		return
	}
	templateID := q.Get("templateId")
	if templateID == "" {
		http.Error(w, "templateId required", http.StatusBadRequest)
		return
	}

	claims, err := s.signer.Verify(q.Get("token"))
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrTokenExpired) {
			s.logger.Printf("server: expired token for template %s", templateID)
		} else {
			s.logger.Printf("server: rejected token for template %s: %v", templateID, err)
		}
		http.Error(w, "invalid session token", status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("server: upgrade: %v", err)
		return
	}

	user := collab.User{
		ID:     claims.UserID,
		Name:   claims.Name,
		Role:   claims.Role,
		Avatar: claims.Avatar,
	}
	client := collab.NewClient(s.hub, conn, user, s.logger)
	s.logger.Printf("server: %s connected for template %s", client.User().ID, templateID)
	client.Run(templateID)
}
