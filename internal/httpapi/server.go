package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mzanin/voxbridge/internal/avatar"
	"github.com/mzanin/voxbridge/internal/config"
	"github.com/mzanin/voxbridge/internal/observability"
	"github.com/mzanin/voxbridge/internal/protocol"
	"github.com/mzanin/voxbridge/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, baseKind session.Kind, inbound <-chan any, outbound chan<- any) error
}

// socketShape fixes how a websocket endpoint exchanges audio. The shape is a
// property of the endpoint, never sniffed from the traffic.
type socketShape int

const (
	// shapeBrowser reads raw binary PCM frames and writes assistant audio
	// back as binary frames.
	shapeBrowser socketShape = iota
	// shapeTelephony exchanges JSON envelopes only, audio as base64.
	shapeTelephony
)

type Server struct {
	cfg          config.Config
	orchestrator Orchestrator
	avatars      *avatar.Registry
	metrics      *observability.Metrics
	window       *observability.MilestoneWindow
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orchestrator Orchestrator, avatars *avatar.Registry, metrics *observability.Metrics, window *observability.MilestoneWindow) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		avatars:      avatars,
		metrics:      metrics,
		window:       window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another website cannot drive a user's mic
				// session if the gateway is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/stats/latency", s.handleLatencyStats)

	r.Get("/ws/voice", func(w http.ResponseWriter, r *http.Request) {
		s.handleSocket(w, r, session.KindPlainModel, shapeBrowser)
	})
	r.Get("/ws/telephony", func(w http.ResponseWriter, r *http.Request) {
		s.handleSocket(w, r, session.KindPlainModel, shapeTelephony)
	})
	r.Get("/ws/avatar", func(w http.ResponseWriter, r *http.Request) {
		s.handleSocket(w, r, session.KindAvatar, shapeBrowser)
	})

	r.Post("/avatar/offer", s.handleAvatarOffer)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                 "ready",
		"active_avatar_sessions": s.avatars.ActiveCount(),
	})
}

func (s *Server) handleLatencyStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.window.Snapshot())
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, kind session.Kind, shape socketShape) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, kind, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := s.writeFrame(conn, msg, shape); err != nil {
					cancel()
					return
				}
				if s.metrics != nil {
					s.metrics.ClientFrames.WithLabelValues("out", frameKindOf(msg)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var parsed any
		switch {
		case msgType == websocket.BinaryMessage && shape == shapeBrowser:
			parsed = protocol.BinaryAudio{Data: data}
		case msgType == websocket.TextMessage:
			parsed, err = protocol.ParseClientMessage(data)
			if err != nil {
				frame := protocol.ErrorFrame{
					Kind:    protocol.KindError,
					Code:    "invalid_client_message",
					Message: err.Error(),
				}
				select {
				case outbound <- frame:
				default:
					// Keep websocket writes single-threaded; drop when the
					// outbound queue is saturated.
				}
				continue
			}
		default:
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

// writeFrame encodes one outbound frame for the endpoint's shape. Browser
// sockets receive assistant audio as raw binary PCM; everything else, and all
// telephony traffic, goes out as JSON.
func (s *Server) writeFrame(conn *websocket.Conn, msg any, shape socketShape) error {
	if shape == shapeBrowser {
		if audio, ok := msg.(protocol.AudioData); ok {
			pcm, err := base64.StdEncoding.DecodeString(audio.AudioData)
			if err != nil {
				return err
			}
			return conn.WriteMessage(websocket.BinaryMessage, pcm)
		}
	}
	return conn.WriteJSON(msg)
}

type avatarOfferRequest struct {
	ConnectionID string `json:"ConnectionId"`
	Sdp          string `json:"Sdp"`
}

type avatarOfferResponse struct {
	Sdp string `json:"sdp"`
}

// handleAvatarOffer is the out-of-band SDP relay: an HTTP client posts an
// offer for an in-flight websocket session identified by its connection id.
func (s *Server) handleAvatarOffer(w http.ResponseWriter, r *http.Request) {
	var req avatarOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ConnectionID) == "" || strings.TrimSpace(req.Sdp) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "ConnectionId and Sdp are required")
		return
	}

	negotiator, err := s.avatars.Get(req.ConnectionID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "session_not_found", "no active avatar session for that connection")
		return
	}

	answer, err := negotiator.ConnectAvatar(r.Context(), req.Sdp)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, avatarOfferResponse{Sdp: answer})
	case errors.Is(err, avatar.ErrNegotiationPending):
		respondError(w, http.StatusConflict, "negotiation_pending", err.Error())
	case errors.Is(err, avatar.ErrNegotiationTimeout):
		respondError(w, http.StatusGatewayTimeout, "sdp_timeout", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "sdp_failed", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func frameKindOf(v any) string {
	switch m := v.(type) {
	case protocol.AudioData:
		return string(m.Kind)
	case protocol.Transcription:
		return string(m.Kind)
	case protocol.StopAudio:
		return string(m.Kind)
	case protocol.SessionEvent:
		return string(m.Kind)
	case protocol.SdpAnswer:
		return string(m.Kind)
	case protocol.ErrorFrame:
		return string(m.Kind)
	default:
		return "unknown"
	}
}
