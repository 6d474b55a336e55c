package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/admission"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/orchestrator"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/types"
)

// SessionHandle is the gateway's view of a running session: enough to route
// audio, request termination, and learn when the pipeline finished.
type SessionHandle interface {
	ID() string
	OutputSampleRate() int
	PushAudio(chunk []byte) error
	End()
	Done() <-chan struct{}
}

// SessionStarter admits and launches a session for a validated spec. The
// application composition root implements it; errors map onto wire codes via
// errorCode.
type SessionStarter interface {
	StartSession(ctx context.Context, spec types.SessionSpec, emitter orchestrator.Emitter) (SessionHandle, error)
}

// ServerConfig carries the gateway's network settings.
type ServerConfig struct {
	ListenAddr  string
	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string
}

// Server is the wire-protocol endpoint. Create with NewServer, then Run.
type Server struct {
	cfg     ServerConfig
	starter SessionStarter
	metrics *observe.Metrics
	health  *health.Handler

	httpServer *http.Server
}

// NewServer builds a Server routing /v1/voice WebSocket upgrades into
// starter. checkers feed the /readyz endpoint.
func NewServer(cfg ServerConfig, starter SessionStarter, metrics *observe.Metrics, checkers ...health.Checker) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:     cfg,
		starter: starter,
		metrics: metrics,
		health:  health.New(checkers...),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/voice", s.handleVoice)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ErrBindFailed wraps listener-creation failures so main can map them onto
// its dedicated exit code.
var ErrBindFailed = errors.New("gateway: failed to bind listen address")

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled {
			errCh <- s.httpServer.ServeTLS(ln, s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			errCh <- s.httpServer.Serve(ln)
		}
	}()
	slog.Info("gateway listening", "addr", ln.Addr().String(), "tls", s.cfg.TLSEnabled)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleVoice upgrades the connection and runs its read loop to completion.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Raw PCM does not compress usefully; skip permessage-deflate.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	connID := uuid.NewString()
	conn := newWSConn(ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.writeLoop(ctx)

	defer func() {
		conn.shutdown()
		ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := conn.sendControl(ctx, marshalMsg(outMsg{Type: msgConnected, ConnectionID: connID})); err != nil {
		return
	}

	s.readLoop(ctx, conn, connID)
}

// readLoop demuxes inbound frames: JSON control messages steer the session
// lifecycle, binary frames are caller PCM for the connection's session.
func (s *Server) readLoop(ctx context.Context, conn *wsConn, connID string) {
	var (
		handle      SessionHandle
		frameWarned bool
	)
	defer func() {
		if handle != nil {
			handle.End()
			select {
			case <-handle.Done():
			case <-time.After(5 * time.Second):
				slog.Warn("gateway: session did not stop in time", "connection", connID)
			}
		}
	}()

	for {
		msgType, data, err := conn.ws.Read(ctx)
		if err != nil {
			// Client hung up or the context ended; teardown runs in the defer.
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			if handle == nil {
				continue // audio before start_session is discarded
			}
			if err := handle.PushAudio(data); err != nil {
				if errors.Is(err, audio.ErrFrameSize) && !frameWarned {
					frameWarned = true
					s.sendError(ctx, conn, "INVALID_FRAME", err.Error(), nil)
				}
			}

		case websocket.MessageText:
			var msg inboundMsg
			if err := unmarshalStrict(data, &msg); err != nil {
				s.sendError(ctx, conn, "VALIDATION_ERROR", "malformed message: "+err.Error(), nil)
				continue
			}

			switch msg.Type {
			case msgStartSession:
				if handle != nil {
					select {
					case <-handle.Done():
						handle = nil
					default:
						s.sendError(ctx, conn, "VALIDATION_ERROR", "session already active on this connection", nil)
						continue
					}
				}
				h, startErr := s.startSession(ctx, conn, msg)
				if startErr != nil {
					code, details := errorCode(startErr)
					s.sendError(ctx, conn, code, startErr.Error(), details)
					continue
				}
				handle = h
				frameWarned = false

			case msgEndSession:
				if handle == nil {
					s.sendError(ctx, conn, "NOT_FOUND", "no active session", nil)
					continue
				}
				handle.End()
				// session_ended with final metrics is emitted by the pipeline.
				<-handle.Done()
				handle = nil

			default:
				s.sendError(ctx, conn, "VALIDATION_ERROR", "unknown message type "+msg.Type, nil)
			}
		}
	}
}

// startSession validates the request, delegates admission and pipeline
// construction, and replies session_started.
func (s *Server) startSession(ctx context.Context, conn *wsConn, msg inboundMsg) (SessionHandle, error) {
	if msg.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenantId", admission.ErrValidation)
	}
	spec, err := msg.Config.toSpec(msg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", admission.ErrValidation, err)
	}

	handle, err := s.starter.StartSession(ctx, spec, conn)
	if err != nil {
		return nil, err
	}

	started := outMsg{
		Type:        msgSessionStarted,
		SessionID:   handle.ID(),
		AudioFormat: &audioFormat{SampleRate: handle.OutputSampleRate()},
	}
	if err := conn.sendControl(ctx, marshalMsg(started)); err != nil {
		handle.End()
		return nil, err
	}
	return handle, nil
}

func (s *Server) sendError(ctx context.Context, conn *wsConn, code, message string, details any) {
	msg := outMsg{Type: msgError, Error: message, Code: code, Details: details}
	if err := conn.sendControl(ctx, marshalMsg(msg)); err != nil {
		slog.Debug("gateway: error frame not delivered", "code", code, "err", err)
	}
}

// errorCode maps an admission/session error onto its wire code, with
// structured details where the schema calls for them.
func errorCode(err error) (string, any) {
	var denial *admission.ConcurrencyDenial
	if errors.As(err, &denial) {
		return "CONCURRENCY_LIMIT", map[string]int{"current": denial.Current, "max": denial.Max}
	}
	switch {
	case errors.Is(err, admission.ErrProviderNotAllowed):
		return "PROVIDER_NOT_ALLOWED", nil
	case errors.Is(err, admission.ErrUsageLimitExceeded):
		return "USAGE_LIMIT_EXCEEDED", nil
	case errors.Is(err, admission.ErrValidation):
		return "VALIDATION_ERROR", nil
	default:
		return "INTERNAL", nil
	}
}
