package wsproto

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ably/terminal-broker/src/auditlog"
	"github.com/ably/terminal-broker/src/broker"
	"github.com/ably/terminal-broker/src/config"
	"github.com/ably/terminal-broker/src/credential"
	"github.com/ably/terminal-broker/src/ratelimit"
)

// Endpoint owns everything the WebSocket handler needs: the session
// registry, the per-IP connection limiter, configuration, and audit
// logging. It replaces the teacher's package-level upgrader/singleton
// handler with a value the caller constructs and injects (spec.md §9:
// "Replace [singletons] with a Broker value... pass it into the endpoint
// handler").
type Endpoint struct {
	registry *broker.Registry
	ipLimit  *ratelimit.Limiter
	cfg      *config.Config
	audit    *auditlog.Log
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewEndpoint builds an Endpoint bound to registry for admission/session
// lifecycle, ipLimiter for pre-auth throttling, and cfg for every
// documented timeout and limit.
func NewEndpoint(registry *broker.Registry, ipLimiter *ratelimit.Limiter, cfg *config.Config, audit *auditlog.Log) *Endpoint {
	return &Endpoint{
		registry: registry,
		ipLimit:  ipLimiter,
		cfg:      cfg,
		audit:    audit,
		log:      logrus.WithField("component", "wsproto"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle is the gin.HandlerFunc for the WebSocket upgrade route.
func (e *Endpoint) Handle(c *gin.Context) {
	remoteIP := c.ClientIP()

	if !e.ipLimit.Allow(remoteIP) {
		e.audit.Admitted(remoteIP, "pre-auth", false, "rate_limited")
		c.Status(http.StatusTooManyRequests)
		return
	}

	ws, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn := NewConn(ws, e.cfg)
	defer conn.Close()

	e.serve(conn, remoteIP)
}

// serve runs the full per-connection lifecycle: authenticate, resume or
// create, then stream until the session or the socket ends.
func (e *Endpoint) serve(conn *Conn, remoteIP string) {
	frame, err := conn.readFrame(authDeadline(e.cfg))
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			e.failAuth(conn, remoteIP, "message_too_large")
			return
		}
		e.failAuth(conn, remoteIP, authFailureReason(err))
		return
	}
	if frame.Type != TypeAuth {
		_ = conn.SendStatusDetails(StatusError, "protocol_error", "first frame must be type=auth")
		return
	}
	if !validAPIKeyShape(frame.APIKey) {
		e.failAuth(conn, remoteIP, "auth_failed")
		return
	}
	if err := validateAccessToken(frame.AccessToken, e.cfg); err != nil {
		e.failAuth(conn, remoteIP, "auth_failed")
		return
	}

	authenticated := isAuthenticated(frame.AccessToken)
	credHash := credential.Derive(frame.APIKey, frame.AccessToken)
	e.audit.AuthSucceeded(remoteIP, frame.SessionID, string(credHash), authenticated)

	_ = conn.SendStatus(StatusConnecting, "")

	session, err := e.bind(conn, frame, authenticated, credHash)
	if err != nil {
		e.failResume(conn, err)
		return
	}

	_ = conn.SendStatus(StatusConnected, "")
	e.pump(conn, session)
}

// bind performs admission + resume-or-create-or-takeover, the heart of
// spec.md §4.2's "After authentication" paragraph.
func (e *Endpoint) bind(conn *Conn, frame inbound, authenticated bool, credHash credential.Hash) (*broker.Session, error) {
	if frame.SessionID != "" {
		if existing, ok := e.registry.Lookup(frame.SessionID); ok {
			if existing.Status() == broker.StatusAttached {
				if err := e.registry.Takeover(existing, credHash, conn); err != nil {
					return nil, err
				}
				return existing, nil
			}
			return e.registry.TryResume(frame.SessionID, credHash, conn)
		}
		return nil, broker.ErrNotFound
	}

	bucket := broker.BucketAnonymous
	if authenticated {
		bucket = broker.BucketAuthenticated
	}
	decision := e.registry.Admit(bucket)
	e.audit.Admitted("", string(bucket), decision.Admitted, decision.Reason)
	if !decision.Admitted {
		return nil, broker.ErrCapacity
	}

	return e.registry.Create(context.Background(), credHash, authenticated, frame.EnvironmentVariables, 80, 24, conn)
}

// pump reads client frames until the socket errs or the session ends,
// forwarding `data` as shell input and `resize` as a TTY size change. It
// mirrors the teacher's HandleTerminalWS read loop, generalised to the
// closed frame set and to detaching through the registry instead of
// closing a bare map entry.
func (e *Endpoint) pump(conn *Conn, session *broker.Session) {
	go func() {
		<-session.Done()
		_ = conn.Close()
	}()

	for {
		frame, err := conn.readFrame(time.Time{})
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				_ = conn.SendStatus(StatusError, "message_too_large")
			}
			e.registry.Detach(session, conn, broker.ReasonClientExit)
			return
		}

		switch frame.Type {
		case TypeData:
			session.Touch(e.cfg.TerminalIdleTimeout)
			if _, err := session.Write([]byte(frame.Payload)); err != nil {
				e.log.WithError(err).WithField("session", session.ID).Warn("write to container failed")
			}
		case TypeResize:
			if frame.Cols > 0 && frame.Rows > 0 {
				_ = session.Resize(frame.Cols, frame.Rows)
			}
		default:
			_ = conn.SendStatusDetails(StatusError, "protocol_error", "unexpected frame type after handshake")
			e.registry.Detach(session, conn, broker.ReasonClientExit)
			return
		}
	}
}

func (e *Endpoint) failAuth(conn *Conn, remoteIP, reason string) {
	e.audit.AuthFailed(remoteIP, reason)
	_ = conn.SendStatus(StatusError, reason)
}

func (e *Endpoint) failResume(conn *Conn, err error) {
	reason := "resume_failed"
	switch {
	case errors.Is(err, broker.ErrNotFound):
		reason = "resume_not_found"
	case errors.Is(err, broker.ErrCredentialMismatch):
		reason = "resume_mismatch"
	case errors.Is(err, broker.ErrExpired):
		reason = "resume_expired"
	case errors.Is(err, broker.ErrResumeRateLimited):
		reason = "resume_rate_limited"
	case errors.Is(err, broker.ErrCapacity):
		reason = "capacity"
	case errors.Is(err, broker.ErrTakeoverInProgress), errors.Is(err, broker.ErrAlreadyAttached):
		reason = "takeover_conflict"
	}
	_ = conn.SendStatus(StatusError, reason)
}

// authFailureReason distinguishes a timed-out auth window from any other
// read failure (spec.md §4.2: auth_timeout vs auth_failed).
func authFailureReason(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "auth_timeout"
	}
	return "auth_failed"
}
