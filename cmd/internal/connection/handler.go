package connection

import (
	"errors"
	"log/slog"
	"net/http"

	v1 "bwave/shared/contracts/realtime/v1"
)

const maxBodyBytes = 4 << 10

// Authenticator resolves the caller's user id.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

type connectRequest struct {
	Username string `json:"username"`
}

type connectResponse struct {
	ConnectedUser v1.UserInfo `json:"connectedUser"`
}

type listResponse struct {
	Connections []v1.UserInfo `json:"connections"`
}

// Handler exposes the connection endpoints over HTTP.
type Handler struct {
	log     *slog.Logger
	service *Service
	auth    Authenticator
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, service *Service, auth Authenticator) (*Handler, error) {
	if service == nil || auth == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, service: service, auth: auth}, nil
}

// Register wires the connection routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/connections", h.handleConnections)
}

func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r)
	case http.MethodPost:
		h.handleConnect(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req connectRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	user, err := h.service.Connect(r.Context(), userID, req.Username)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, connectResponse{ConnectedUser: user})
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "username is required")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
	case errors.Is(err, ErrSelfConnect):
		writeError(w, http.StatusBadRequest, "self_connect", "cannot connect to yourself")
	case errors.Is(err, ErrAlreadyConnected):
		writeError(w, http.StatusConflict, "already_connected", "users are already connected")
	default:
		h.log.Error("connection.connect.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	users, err := h.service.List(r.Context(), userID)
	if err != nil {
		h.log.Error("connection.list.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Connections: users})
}
