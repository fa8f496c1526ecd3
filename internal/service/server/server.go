// Package server exposes the node's HTTP surface: the client API for sending
// and reading messages, the federation API peers call, the well-known
// discovery document, and the websocket push endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/handle"
	"mychat_node/internal/model"
	"mychat_node/internal/service/lifecycle"
	"mychat_node/internal/service/resolver"
	"mychat_node/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	Lifecycle interface {
		Send(ctx context.Context, senderID string, target model.Target, payload []byte, contentType string) (*model.Message, error)
		MarkRead(ctx context.Context, messageID, callerID string) (*model.Message, error)
		Conversation(ctx context.Context, callerID, otherHandle string, limit int, before time.Time) (*lifecycle.ConversationPage, error)
		Accept(ctx context.Context, env *federation.Envelope) (*model.Message, error)
	}

	IdentityDirectory interface {
		GetByHandle(ctx context.Context, localPart, domain string) (*model.Identity, error)
		Create(ctx context.Context, identity *model.Identity) error
		CountLocal(ctx context.Context) (int64, error)
	}

	NodeDirectory interface {
		CountActive(ctx context.Context) (int64, error)
	}

	HttpServer struct {
		cfg        *config.Config
		lifecycle  Lifecycle
		identities IdentityDirectory
		nodes      NodeDirectory
		hub        *Hub
	}
)

func NewHttpServer(cfg *config.Config, lc Lifecycle, identities IdentityDirectory, nodes NodeDirectory, hub *Hub) *HttpServer {
	return &HttpServer{
		cfg:        cfg,
		lifecycle:  lc,
		identities: identities,
		nodes:      nodes,
		hub:        hub,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/users", s.HandleRegisterIdentity()).Methods(http.MethodPost)
	r.HandleFunc("/api/messages", s.HandleSendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/conversation/{handle}", s.HandleConversation()).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{id}/read", s.HandleMarkRead()).Methods(http.MethodPut)
	r.HandleFunc("/api/node/info", s.HandleNodeInfo()).Methods(http.MethodGet)
	r.HandleFunc(federation.WellKnownPath, s.HandleWellKnown()).Methods(http.MethodGet)
	r.HandleFunc("/api/federation/users/{localpart}", s.HandleFederationUser()).Methods(http.MethodGet)
	r.HandleFunc("/api/federation/messages", s.HandleFederationMessage()).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) Run() error {
	log.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
	return http.ListenAndServe(s.cfg.ListenAddr, s.Router())
}

type registerIdentityRequest struct {
	LocalPart string `json:"local_part"`
	PublicKey string `json:"public_key"`
}

// HandleRegisterIdentity provisions a local identity record: handle plus
// public key. The fingerprint is always computed here, never client-supplied.
func (s *HttpServer) HandleRegisterIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RegistrationOpen {
			writeError(w, http.StatusForbidden, "registration_closed", "this node does not accept new identities")
			return
		}

		var req registerIdentityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
			return
		}
		if req.LocalPart == "" || req.PublicKey == "" {
			writeError(w, http.StatusBadRequest, "invalid_identity", "local_part and public_key are required")
			return
		}
		if strings.Contains(req.LocalPart, "@") {
			writeError(w, http.StatusBadRequest, "invalid_identity", "local_part must not contain '@'")
			return
		}

		existing, err := s.identities.GetByHandle(r.Context(), req.LocalPart, s.cfg.Domain)
		if err != nil {
			log.Error("handle availability check failed",
				zap.String("local_part", req.LocalPart), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "registration failed")
			return
		}
		if existing != nil {
			writeError(w, http.StatusConflict, "handle_taken", "this handle is already registered")
			return
		}

		identity := &model.Identity{
			ID:          uuid.NewString(),
			LocalPart:   req.LocalPart,
			Domain:      s.cfg.Domain,
			PublicKey:   req.PublicKey,
			Fingerprint: model.KeyFingerprint(req.PublicKey),
			IsLocal:     true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.identities.Create(r.Context(), identity); err != nil {
			log.Error("create identity failed",
				zap.String("local_part", req.LocalPart), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "registration failed")
			return
		}

		log.Info("identity registered", zap.String("handle", identity.Handle()))
		writeJSON(w, http.StatusCreated, identity)
	}
}

type sendMessageRequest struct {
	RecipientHandle string `json:"recipient_handle,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	Payload         []byte `json:"payload"`
	ContentType     string `json:"content_type"`
}

func (s *HttpServer) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := s.requireUser(w, r)
		if !ok {
			return
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
			return
		}
		if req.RecipientHandle != "" && req.GroupID != "" {
			writeError(w, http.StatusBadRequest, "invalid_target", "recipient_handle and group_id are mutually exclusive")
			return
		}

		var target model.Target
		switch {
		case req.RecipientHandle != "":
			target = model.DirectTarget(req.RecipientHandle)
		case req.GroupID != "":
			target = model.GroupTarget(req.GroupID)
		}

		msg, err := s.lifecycle.Send(r.Context(), callerID, target, req.Payload, req.ContentType)
		if err != nil {
			s.writeSendError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// writeSendError maps the send error taxonomy onto HTTP statuses. Unknown
// errors stay opaque 500s so storage details never leak to clients.
func (s *HttpServer) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handle.ErrMalformedHandle):
		writeError(w, http.StatusBadRequest, "malformed_handle", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "invalid_target", err.Error())
	case errors.Is(err, lifecycle.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
	case errors.Is(err, resolver.ErrIdentityNotFound):
		writeError(w, http.StatusNotFound, "identity_not_found", err.Error())
	case errors.Is(err, resolver.ErrFederationUnavailable):
		writeError(w, http.StatusBadGateway, "federation_unavailable", err.Error())
	default:
		log.Error("send message failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "send failed")
	}
}

func (s *HttpServer) HandleConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		otherHandle := mux.Vars(r)["handle"]

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}
		var before time.Time
		if raw := r.URL.Query().Get("before"); raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cursor", "before must be an RFC 3339 timestamp")
				return
			}
			before = t
		}

		page, err := s.lifecycle.Conversation(r.Context(), callerID, otherHandle, limit, before)
		if err != nil {
			switch {
			case errors.Is(err, handle.ErrMalformedHandle):
				writeError(w, http.StatusBadRequest, "malformed_handle", err.Error())
			case errors.Is(err, resolver.ErrIdentityNotFound):
				writeError(w, http.StatusNotFound, "identity_not_found", err.Error())
			default:
				log.Error("load conversation failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal", "conversation lookup failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *HttpServer) HandleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		messageID := mux.Vars(r)["id"]

		msg, err := s.lifecycle.MarkRead(r.Context(), messageID, callerID)
		if err != nil {
			switch {
			case errors.Is(err, lifecycle.ErrNotFound):
				writeError(w, http.StatusNotFound, "message_not_found", err.Error())
			case errors.Is(err, lifecycle.ErrForbidden):
				writeError(w, http.StatusForbidden, "forbidden", err.Error())
			case errors.Is(err, lifecycle.ErrInvalidTransition):
				writeError(w, http.StatusConflict, "invalid_transition", err.Error())
			default:
				log.Error("mark read failed", zap.String("message_id", messageID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal", "mark read failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

type nodeInfo struct {
	Domain            string `json:"domain"`
	Version           string `json:"version"`
	LocalUsers        int64  `json:"local_users"`
	ActivePeers       int64  `json:"active_peers"`
	FederationEnabled bool   `json:"federation_enabled"`
	RegistrationOpen  bool   `json:"registration_open"`
	MaxMessageSize    int    `json:"max_message_size"`
}

func (s *HttpServer) HandleNodeInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.identities.CountLocal(r.Context())
		if err != nil {
			log.Error("count local users failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "node info unavailable")
			return
		}
		peers, err := s.nodes.CountActive(r.Context())
		if err != nil {
			log.Error("count active peers failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "node info unavailable")
			return
		}
		writeJSON(w, http.StatusOK, &nodeInfo{
			Domain:            s.cfg.Domain,
			Version:           ProtocolVersion,
			LocalUsers:        users,
			ActivePeers:       peers,
			FederationEnabled: s.cfg.FederationEnabled,
			RegistrationOpen:  s.cfg.RegistrationOpen,
			MaxMessageSize:    s.cfg.MaxMessageSize,
		})
	}
}

// ProtocolVersion is advertised in the discovery document and node info.
const ProtocolVersion = "1.0"

func (s *HttpServer) HandleWellKnown() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// User count is the only statistic exposed; it is aggregate and
		// carries no handle or key material.
		stats := map[string]any{}
		if users, err := s.identities.CountLocal(r.Context()); err == nil {
			stats["users"] = users
		}
		writeJSON(w, http.StatusOK, &federation.WellKnown{
			Version:        ProtocolVersion,
			Domain:         s.cfg.Domain,
			FederationAPI:  "https://" + s.cfg.Domain + "/api/federation",
			Capabilities:   []string{"messages", "users"},
			MaxMessageSize: s.cfg.MaxMessageSize,
			Statistics:     stats,
		})
	}
}

func (s *HttpServer) HandleFederationUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		localPart := mux.Vars(r)["localpart"]

		identity, err := s.identities.GetByHandle(r.Context(), localPart, s.cfg.Domain)
		if err != nil {
			log.Error("federation user lookup failed",
				zap.String("local_part", localPart), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
			return
		}
		if identity == nil || !identity.IsLocal {
			writeError(w, http.StatusNotFound, "identity_not_found", "no such user on this node")
			return
		}
		writeJSON(w, http.StatusOK, &federation.RemoteIdentity{
			LocalPart:   identity.LocalPart,
			Domain:      identity.Domain,
			PublicKey:   identity.PublicKey,
			Fingerprint: identity.Fingerprint,
		})
	}
}

func (s *HttpServer) HandleFederationMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env federation.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body is not a valid envelope")
			return
		}

		msg, err := s.lifecycle.Accept(r.Context(), &env)
		if err != nil {
			switch {
			case errors.Is(err, handle.ErrMalformedHandle), errors.Is(err, lifecycle.ErrInvalidTarget):
				writeError(w, http.StatusBadRequest, "invalid_recipient", err.Error())
			case errors.Is(err, lifecycle.ErrPayloadTooLarge):
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
			case errors.Is(err, resolver.ErrIdentityNotFound):
				writeError(w, http.StatusNotFound, "identity_not_found", err.Error())
			default:
				log.Error("accept federated message failed",
					zap.String("origin_node", env.OriginNode), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal", "accept failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message_id": msg.ID,
			"status":     string(msg.Status),
		})
	}
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		s.hub.Register(userID, conn)
		go s.drainWS(userID, conn)
	}
}

// drainWS keeps the connection's read side serviced so close frames are seen.
// Clients send through the REST API; inbound websocket data is ignored.
func (s *HttpServer) drainWS(userID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug("websocket closed", zap.String("user_id", userID), zap.Error(err))
			s.hub.Unregister(userID, conn)
			return
		}
	}
}

func (s *HttpServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}
