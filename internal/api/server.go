package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"keyrelay/internal/directory"
	"keyrelay/pkg/interfaces"
	"keyrelay/pkg/types"
)

// Registry is the slice of the connection registry the API needs for the
// health endpoint.
type Registry interface {
	Stats() map[string]int
}

// Server is the HTTP surface: room creation, member joins, prekey lookup
// and health. No relay logic lives here, only HTTP handling and JSON
// serialization.
type Server struct {
	service  *directory.Service
	store    interfaces.DirectoryStore
	registry Registry
	router   *http.ServeMux
	log      *logrus.Entry
}

// NewServer creates the API server and sets up routing.
func NewServer(service *directory.Service, store interfaces.DirectoryStore, registry Registry) *Server {
	s := &Server{
		service:  service,
		store:    store,
		registry: registry,
		router:   http.NewServeMux(),
		log:      logrus.WithField("component", "api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/rooms", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRooms))))
	s.router.Handle("/api/rooms/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRoomSubpath))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/response shapes.
type CreateRoomResponse struct {
	RoomID     string `json:"room_id"`
	JoinSecret string `json:"join_secret"`
}

type JoinRequest struct {
	JoinSecret string           `json:"join_secret"`
	MemberID   string           `json:"member_id"`
	KeyBundle  *types.KeyBundle `json:"key_bundle"`
}

type JoinResponse struct {
	MemberToken string                      `json:"member_token"`
	AdminID     string                      `json:"admin_id"`
	Others      map[string]*types.KeyBundle `json:"others"`
}

type KeyBundleResponse struct {
	KeyBundle *types.KeyBundle `json:"key_bundle"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Store       string         `json:"store"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleRooms serves the rooms collection: POST /api/rooms.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createRoom(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRoomSubpath dispatches /api/rooms/{id}/join and
// /api/rooms/{id}/members/{member}/prekey.
func (s *Server) handleRoomSubpath(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.sendError(w, "Room ID required", http.StatusBadRequest)
		return
	}
	roomID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "join" && r.Method == http.MethodPost:
		s.joinRoom(w, r, roomID)
	case len(parts) == 4 && parts[1] == "members" && parts[3] == "prekey" && r.Method == http.MethodGet:
		s.getPrekey(w, r, roomID, parts[2])
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
	}
}

// createRoom handles POST /api/rooms.
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	roomID, joinSecret, err := s.service.CreateRoom(r.Context())
	if err != nil {
		s.log.WithError(err).Error("room creation failed")
		s.sendError(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(CreateRoomResponse{RoomID: roomID, JoinSecret: joinSecret})
}

// joinRoom handles POST /api/rooms/{id}/join.
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	res, err := s.service.Join(r.Context(), roomID, req.JoinSecret, req.MemberID, req.KeyBundle)
	if err != nil {
		s.sendJoinError(w, err)
		return
	}

	// others must serialize as an object even when empty.
	if res.Others == nil {
		res.Others = map[string]*types.KeyBundle{}
	}

	_ = json.NewEncoder(w).Encode(JoinResponse{
		MemberToken: res.MemberToken,
		AdminID:     res.AdminMemberID,
		Others:      res.Others,
	})
}

// getPrekey handles GET /api/rooms/{id}/members/{member}/prekey.
func (s *Server) getPrekey(w http.ResponseWriter, r *http.Request, roomID, memberID string) {
	bundle, err := s.service.GetKeyBundle(r.Context(), roomID, memberID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) || errors.Is(err, interfaces.ErrMemberNotFound) {
			s.sendError(w, "Not found", http.StatusNotFound)
		} else {
			s.log.WithError(err).Error("prekey lookup failed")
			s.sendError(w, "Failed to get key bundle", http.StatusInternalServerError)
		}
		return
	}

	_ = json.NewEncoder(w).Encode(KeyBundleResponse{KeyBundle: bundle})
}

// healthCheck handles GET /health.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeStatus = err.Error()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Store:       storeStatus,
		Connections: s.registry.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// sendJoinError maps protocol errors onto HTTP statuses.
func (s *Server) sendJoinError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrRoomNotFound):
		s.sendError(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, directory.ErrInvalidJoinSecret):
		s.sendError(w, "Invalid join secret", http.StatusUnauthorized)
	case errors.Is(err, directory.ErrMissingMemberID),
		errors.Is(err, types.ErrInvalidMemberID),
		errors.Is(err, types.ErrMissingKeyBundle),
		errors.Is(err, types.ErrInvalidKeyBundle):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("join failed")
		s.sendError(w, "Failed to join room", http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
