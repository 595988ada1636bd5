// Package server hosts the session HTTP/WebSocket process.
//
// The transport stays thin: it decodes frames, classifies message bodies as
// chat, whisper, or macro, and delegates everything stateful to the registry
// and the macro router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/Klutzleo/TBA-App-sub000/internal/platform/id"
	"github.com/Klutzleo/TBA-App-sub000/internal/platform/timeouts"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/macro"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/mention"
	"github.com/Klutzleo/TBA-App-sub000/internal/services/session/registry"
	sqlitestore "github.com/Klutzleo/TBA-App-sub000/internal/services/session/storage/sqlite"
)

const (
	tokenCookieName = "tba_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
)

// Config defines the inputs for the session transport boundary.
type Config struct {
	HTTPAddr          string
	DBPath            string
	TokenSecret       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the session HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlitestore.Store
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type joinPayload struct {
	PartyID       string `json:"party_id"`
	ParticipantID string `json:"participant_id,omitempty"`
}

type joinedPayload struct {
	PartyID       string `json:"party_id"`
	ParticipantID string `json:"participant_id,omitempty"`
	Role          string `json:"role,omitempty"`
	ServerTime    string `json:"server_time"`
}

type sendPayload struct {
	Body string `json:"body"`
}

type resultEnvelope struct {
	Result macro.Result `json:"result"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status string `json:"status"`
}

// deps bundles the session collaborators behind the handler.
type deps struct {
	registry *registry.Registry
	router   *macro.Router
}

// wsSession tracks one connection's party membership across frames.
type wsSession struct {
	mu      sync.Mutex
	userID  string
	peer    *wsPeer
	partyID string
	conn    *registry.Conn
}

func newWSSession(userID string, peer *wsPeer) *wsSession {
	return &wsSession{userID: userID, peer: peer}
}

func (s *wsSession) setParty(partyID string, conn *registry.Conn) (string, *registry.Conn) {
	s.mu.Lock()
	previousParty, previousConn := s.partyID, s.conn
	s.partyID, s.conn = partyID, conn
	s.mu.Unlock()
	return previousParty, previousConn
}

func (s *wsSession) current() (string, *registry.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partyID, s.conn
}

// wsPeer serializes frame writes to a single connection. It implements
// registry.Sender so registry fan-out lands directly on the wire.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// Send delivers a registry message as a websocket frame.
func (p *wsPeer) Send(message registry.Message) error {
	return p.writeFrame(wsFrame{
		Type:    message.Type,
		Payload: mustJSON(message),
	})
}

type wsUserIDContextKey struct{}

// NewHandler creates session routes over the given collaborators with
// websocket auth disabled, for tests and offline paths.
func NewHandler(reg *registry.Registry, router *macro.Router) http.Handler {
	return newHandler(deps{registry: reg, router: router}, nil)
}

// NewHandlerWithAuthorizer creates session routes with enforced websocket
// identity checks.
func NewHandlerWithAuthorizer(reg *registry.Registry, router *macro.Router, authorizer wsAuthorizer) http.Handler {
	return newHandler(deps{registry: reg, router: router}, authorizer)
}

func newHandler(d deps, authorizer wsAuthorizer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, d)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if authorizer != nil {
			token := accessTokenFromRequest(r)
			if token == "" {
				log.Printf("session: websocket unauthorized: missing tba_token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := authorizer.Authenticate(r.Context(), token)
			if err != nil || strings.TrimSpace(userID) == "" {
				log.Printf("session: websocket unauthorized: token verification failed for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, d deps) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	userID := ""
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}
	session := newWSSession(userID, peer)

	// Disconnect must release the party slot synchronously so cache purges
	// are observable before the handler returns.
	defer func() {
		if partyID, regConn := session.current(); regConn != nil {
			d.registry.Leave(partyID, regConn)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "session.join":
			handleJoinFrame(conn.Request().Context(), session, d, frame)
		case "session.send":
			handleSendFrame(conn.Request().Context(), session, d, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleJoinFrame(ctx context.Context, session *wsSession, d deps, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}

	partyID := strings.TrimSpace(payload.PartyID)
	if partyID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "party_id is required")
		return
	}

	participantID := strings.TrimSpace(payload.ParticipantID)
	if participantID == "" {
		participantID = session.userID
	}

	connID, err := id.NewID()
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "could not register connection")
		return
	}
	regConn := registry.NewConn(connID, session.peer)

	snapshot, err := d.registry.Join(ctx, partyID, regConn, participantID)
	if err != nil {
		if errors.Is(err, registry.ErrParticipantNotFound) {
			_ = writeWSError(session.peer, frame.RequestID, "NOT_FOUND", "participant not found")
			return
		}
		log.Printf("session: join party=%q participant=%q failed: %v", partyID, participantID, err)
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "party lookup unavailable")
		return
	}

	previousParty, previousConn := session.setParty(partyID, regConn)
	if previousConn != nil && previousConn != regConn {
		d.registry.Leave(previousParty, previousConn)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "session.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			PartyID:       partyID,
			ParticipantID: participantID,
			Role:          string(regConn.Role),
			ServerTime:    time.Now().UTC().Format(time.RFC3339),
		}),
	})

	name := snapshot.Name
	if name == "" {
		name = "A spectator"
	}
	_ = session.peer.writeFrame(wsFrame{
		Type: "session.message",
		Payload: mustJSON(registry.Message{
			Type:      "session.message",
			PartyID:   partyID,
			Sender:    "system",
			Content:   fmt.Sprintf("Welcome %s. You've joined the party.", name),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Extra:     map[string]string{"kind": "system"},
		}),
	})
}

func handleSendFrame(ctx context.Context, session *wsSession, d deps, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body is required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}

	partyID, regConn := session.current()
	if regConn == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a party before sending")
		return
	}

	switch {
	case whisperBody(body) != "":
		handleWhisper(session, d, frame, partyID, regConn, whisperBody(body))
	case macro.IsMacro(body):
		handleMacro(ctx, session, d, frame, partyID, regConn, body)
	default:
		d.registry.Broadcast(partyID, registry.Message{
			Type:      "session.message",
			PartyID:   partyID,
			Sender:    regConn.Name,
			Content:   body,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Extra:     map[string]string{"kind": "chat"},
		})
		writeAck(session.peer, frame.RequestID)
	}
}

// whisperBody returns the body with the whisper prefix stripped, or "" when
// the body is not a whisper.
func whisperBody(body string) string {
	for _, prefix := range []string{"/w ", "/whisper "} {
		if strings.HasPrefix(body, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(body, prefix))
		}
	}
	return ""
}

func handleWhisper(session *wsSession, d deps, frame wsFrame, partyID string, regConn *registry.Conn, body string) {
	targets := mention.Tokens(body)
	if len(targets) == 0 {
		_ = writeWSError(session.peer, frame.RequestID, macro.CodeNoTarget, "whisper needs at least one @Name target")
		return
	}

	d.registry.Whisper(partyID, registry.Message{
		Type:      "session.message",
		PartyID:   partyID,
		Sender:    regConn.Name,
		Content:   body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Extra:     map[string]string{"kind": "whisper"},
	}, targets, regConn.Name)
	writeAck(session.peer, frame.RequestID)
}

func handleMacro(ctx context.Context, session *wsSession, d deps, frame wsFrame, partyID string, regConn *registry.Conn, body string) {
	result, err := d.router.Dispatch(ctx, partyID, regConn.ParticipantID, body)
	if err != nil {
		log.Printf("session: macro dispatch party=%q participant=%q failed: %v", partyID, regConn.ParticipantID, err)
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "command could not be processed")
		return
	}

	// The structured result goes only to the invoking connection; rule
	// violations never reach the rest of the party.
	_ = session.peer.writeFrame(wsFrame{
		Type:      "session.result",
		RequestID: frame.RequestID,
		Payload:   mustJSON(resultEnvelope{Result: result}),
	})

	if result.Success && result.BroadcastText != "" {
		d.registry.Broadcast(partyID, registry.Message{
			Type:      "session.message",
			PartyID:   partyID,
			Sender:    regConn.Name,
			Content:   result.BroadcastText,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Extra:     map[string]string{"kind": "macro", "command": string(result.Command)},
		})
	}
}

func writeAck(peer *wsPeer, requestID string) {
	_ = peer.writeFrame(wsFrame{
		Type:      "session.result",
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "session.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured session server over a SQLite-backed store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlitestore.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	reg := registry.New(store)
	resolver := mention.NewResolver(store, reg)
	router := macro.NewRouter(store, reg, resolver)

	var handler http.Handler
	if authorizer := newTokenAuthorizer(config.TokenSecret); authorizer != nil {
		handler = NewHandlerWithAuthorizer(reg, router, authorizer)
	} else {
		log.Printf("session: token secret unset, websocket auth disabled")
		handler = NewHandler(reg, router)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a session server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init session server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve session: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("session server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("session server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close session store: %v", err)
		}
	}
}
