// Package server exposes the checkout return endpoint the payment provider redirects
// to, plus a few read endpoints for operators.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/buildtall-systems/rentdesk/internal/gate"
	"github.com/buildtall-systems/rentdesk/internal/resume"
)

// Gate is the part of the orchestrator the server drives.
type Gate interface {
	HandleReturn(ctx context.Context, ret gate.Return) (*gate.ResumeResult, error)
	ResumeIfPending(ctx context.Context, bookingID string) (*gate.ResumeResult, error)
	Intent(ctx context.Context, bookingID string) (*booking.TransitionIntent, error)
	RestoreIdentity(ctx context.Context) (*booking.IdentitySnapshot, error)
}

type Server struct {
	gate   Gate
	logger logrus.FieldLogger
	router *gin.Engine
}

// New builds the router. Browser access from allowedOrigins is enabled through CORS; with
// no origins the server only answers same-origin and non-browser clients.
func New(g Gate, logger logrus.FieldLogger, allowedOrigins ...string) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{gate: g, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if len(allowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  allowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", s.health)
	r.GET(gate.ReturnPath, s.checkoutReturn)
	r.GET("/bookings/:id/intent", s.intent)
	r.POST("/bookings/:id/resume", s.resume)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("return server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("return server stopped")
	return nil
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

type resumeResponse struct {
	Outcome        gate.ResumeOutcome        `json:"outcome"`
	BookingID      string                    `json:"bookingId,omitempty"`
	Status         booking.Status            `json:"status,omitempty"`
	AlreadyApplied bool                      `json:"alreadyApplied,omitempty"`
	Intent         *booking.TransitionIntent `json:"intent,omitempty"`
	ReturnPath     string                    `json:"returnPath,omitempty"`
	OperatorID     string                    `json:"operatorId,omitempty"`
}

func toResponse(bookingID string, res *gate.ResumeResult) resumeResponse {
	out := resumeResponse{
		Outcome:        res.Outcome,
		BookingID:      bookingID,
		AlreadyApplied: res.AlreadyApplied,
		Intent:         res.Intent,
	}
	if res.Booking != nil {
		out.Status = res.Booking.Status
	}
	return out
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) checkoutReturn(c *gin.Context) {
	ctx := c.Request.Context()

	// The snapshot is taken on every return, including rejected ones, so it never
	// outlives the checkout that stored it.
	snap, err := s.gate.RestoreIdentity(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to restore operator identity")
	}
	withIdentity := func(h gin.H) gin.H {
		if snap != nil {
			h["returnPath"] = snap.ReturnPath
			h["operatorId"] = snap.OperatorID
		}
		return h
	}

	bookingID := c.Query("booking")
	if bookingID == "" {
		c.JSON(http.StatusBadRequest, withIdentity(gin.H{"error": booking.ErrMissingBookingID.Error()}))
		return
	}
	kind, ok := booking.ParseGateKind(c.Query("gate"))
	if !ok {
		c.JSON(http.StatusBadRequest, withIdentity(gin.H{"error": "unknown gate: " + c.Query("gate")}))
		return
	}

	res, err := s.gate.HandleReturn(ctx, gate.Return{
		BookingID: bookingID,
		Gate:      kind,
		Result:    c.Query("result"),
	})
	if err != nil {
		code := s.logFailure(bookingID, err)
		c.JSON(code, withIdentity(gin.H{"error": err.Error()}))
		return
	}

	out := toResponse(bookingID, res)
	if snap != nil {
		out.ReturnPath = snap.ReturnPath
		out.OperatorID = snap.OperatorID
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) intent(c *gin.Context) {
	id := c.Param("id")
	intent, err := s.gate.Intent(c.Request.Context(), id)
	if errors.Is(err, resume.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending intent"})
		return
	}
	if err != nil {
		s.fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *Server) resume(c *gin.Context) {
	id := c.Param("id")
	res, err := s.gate.ResumeIfPending(c.Request.Context(), id)
	if err != nil {
		s.fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(id, res))
}

func (s *Server) fail(c *gin.Context, bookingID string, err error) {
	c.JSON(s.logFailure(bookingID, err), gin.H{"error": err.Error()})
}

// logFailure logs err at a level matching its status code and returns the code.
func (s *Server) logFailure(bookingID string, err error) int {
	code := statusFor(err)
	entry := s.logger.WithError(err).WithField("booking_id", bookingID)
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	return code
}

func statusFor(err error) int {
	var (
		invalid  *booking.InvalidTransitionError
		terminal *booking.TerminalStateError
		netErr   *booking.NetworkError
	)
	switch {
	case errors.Is(err, gate.ErrGateMismatch):
		return http.StatusConflict
	case errors.Is(err, gate.ErrUnknownReturn), errors.Is(err, booking.ErrMissingBookingID):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrBookingHalted):
		return http.StatusLocked
	case booking.IsInconsistent(err):
		return http.StatusInternalServerError
	case errors.As(err, &invalid), errors.As(err, &terminal):
		return http.StatusConflict
	case errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
