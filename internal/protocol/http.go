package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server exposes a Dispatcher over HTTP and WebSocket.
type Server struct {
	dispatcher     *Dispatcher
	originPatterns []string
	mux            *http.ServeMux
}

// NewServer wires the routes. originPatterns lists extra browser origins,
// as host patterns, allowed to open a WebSocket; same-host origins are
// always allowed.
func NewServer(d *Dispatcher, originPatterns []string) *Server {
	s := &Server{dispatcher: d, originPatterns: originPatterns, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/api/message", s.handleMessage)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.dispatcher.logger.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.dispatcher.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "")
	c.SetReadLimit(maxMessageBytes)

	ctx := r.Context()
	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.dispatcher.logger.Debug("websocket read ended", "err", err)
			}
			return
		}
		if err := wsjson.Write(ctx, c, s.dispatcher.HandleMessage(ctx, msg)); err != nil {
			s.dispatcher.logger.Debug("websocket write failed", "err", err)
			return
		}
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, Fail("Method not allowed"))
		return
	}
	if err := s.authorizeOrigin(r); err != nil {
		s.dispatcher.logger.Warn("rejected cross-origin message", "origin", r.Header.Get("Origin"), "err", err)
		writeJSON(w, http.StatusForbidden, Fail("Origin not allowed"))
		return
	}
	// A JSON content type forces browsers to preflight cross-site posts.
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, Fail("Content-Type must be application/json"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, Fail(errInvalid))
		return
	}
	resp := s.dispatcher.HandleMessage(r.Context(), body)
	status := http.StatusOK
	if !resp.Success && resp.Error == errInvalid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// authorizeOrigin applies the websocket handshake's origin rule to plain
// posts: no Origin header, the same host, or a host matching one of the
// configured patterns.
func (s *Server) authorizeOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	if u.Host != "" && strings.EqualFold(r.Host, u.Host) {
		return nil
	}
	for _, pattern := range s.originPatterns {
		matched, err := path.Match(strings.ToLower(pattern), strings.ToLower(u.Host))
		if err != nil {
			return fmt.Errorf("origin pattern %q: %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("origin host %q is not allowed", u.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
