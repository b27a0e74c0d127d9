package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/document-delivery/internal/delivery"
	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/render"
	"github.com/example/document-delivery/internal/store"
	"github.com/example/document-delivery/internal/token"
)

// Error codes returned in errorBody.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeAccessDenied   = "ACCESS_DENIED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Success: false, Code: code, Message: message})
}

func (s *Server) handleHealth(c *gin.Context) {
	checks := make(map[string]bool, len(s.deps.Checks))
	healthy := true
	for name, check := range s.deps.Checks {
		ok := check()
		checks[name] = ok
		healthy = healthy && ok
	}
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{"time": time.Now().UTC()}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Status()
		body["scheduler"] = gin.H{
			"queueLength":   st.QueueLength,
			"activeCount":   st.ActiveCount,
			"averageWaitMs": st.AverageWait.Milliseconds(),
			"completed":     st.Completed,
			"failed":        st.Failed,
			"expired":       st.Expired,
			"rejected":      st.Rejected,
		}
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// handleDownload serves an artifact by payment reference. It is disabled
// unless public downloads are configured.
func (s *Server) handleDownload(c *gin.Context) {
	ref := strings.TrimSpace(c.Query("ref"))
	if ref == "" {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, "ref query parameter is required")
		return
	}
	if !s.cfg.PublicDownload {
		abort(c, http.StatusForbidden, CodeAccessDenied, "downloads require a signed link")
		return
	}
	if !s.limiter.Allow(c.ClientIP()) {
		abort(c, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
		return
	}
	s.serveArtifact(c, ref, -1)
}

// handleSecureDownload counts a download only once the artifact is in hand,
// so a failed lookup never costs the holder a download.
func (s *Server) handleSecureDownload(c *gin.Context) {
	ip := c.ClientIP()
	res := s.deps.Tokens.Validate(c.Query("token"), token.RequestContext{
		IP:        ip,
		UserAgent: c.Request.UserAgent(),
	})
	if !res.Valid {
		status := http.StatusForbidden
		if res.Code == token.CodeRateLimited {
			status = http.StatusTooManyRequests
		}
		abort(c, status, res.Code, res.Reason)
		return
	}

	ref := res.Claims.PaymentReference
	art, err := s.deps.Documents.Artifact(c.Request.Context(), ref)
	if err != nil {
		s.documentError(c, ref, err)
		return
	}
	if err := s.deps.Tokens.RecordDownload(ref, ip); err != nil {
		abort(c, http.StatusForbidden, token.CodeDownloadLimit, token.ReasonDownloadLimit)
		return
	}
	writeArtifact(c, art, res.RemainingDownloads-1)
}

func (s *Server) serveArtifact(c *gin.Context, ref string, remaining int) {
	art, err := s.deps.Documents.Artifact(c.Request.Context(), ref)
	if err != nil {
		s.documentError(c, ref, err)
		return
	}
	writeArtifact(c, art, remaining)
}

func writeArtifact(c *gin.Context, art render.Artifact, remaining int) {
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	if art.FileName != "" {
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", art.FileName))
	}
	if remaining >= 0 {
		c.Header("X-Downloads-Remaining", strconv.Itoa(remaining))
	}
	c.Data(http.StatusOK, art.ContentType, art.Body)
}

func (s *Server) documentError(c *gin.Context, ref string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		abort(c, http.StatusNotFound, CodeNotFound, "document not found")
	case errors.Is(err, delivery.ErrNoStore):
		abort(c, http.StatusServiceUnavailable, CodeUnavailable, "document retrieval is not configured")
	case failure.Is(err, failure.KindValidationFailed):
		abort(c, http.StatusUnprocessableEntity, CodeInvalidRequest, "stored transaction is invalid")
	default:
		s.logger.Error().Err(err).Str("reference", ref).Msg("artifact retrieval failed")
		abort(c, http.StatusInternalServerError, CodeInternal, "document could not be generated")
	}
}

type issueRequest struct {
	Reference        string   `json:"reference" binding:"required"`
	Email            string   `json:"email"`
	ExpiresInSeconds int      `json:"expires_in_seconds" binding:"gte=0"`
	MaxDownloads     int      `json:"max_downloads" binding:"gte=0"`
	AllowedIPs       []string `json:"allowed_ips"`
}

type issueResponse struct {
	Success   bool      `json:"success"`
	Reference string    `json:"reference"`
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	grant, err := s.deps.Tokens.Issue(req.Reference, req.Email, token.Options{
		ExpiresIn:    time.Duration(req.ExpiresInSeconds) * time.Second,
		MaxDownloads: req.MaxDownloads,
		AllowedIPs:   req.AllowedIPs,
	})
	if err != nil {
		if failure.Is(err, failure.KindValidationFailed) {
			abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("reference", req.Reference).Msg("token issue failed")
		abort(c, http.StatusInternalServerError, CodeInternal, "token could not be issued")
		return
	}
	s.logger.Info().Str("reference", req.Reference).Time("expires_at", grant.ExpiresAt).Msg("download token issued")
	c.JSON(http.StatusCreated, issueResponse{
		Success:   true,
		Reference: grant.Claims.PaymentReference,
		URL:       grant.URL,
		Token:     grant.Token,
		ExpiresAt: grant.ExpiresAt.UTC(),
	})
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	ref := c.Param("ref")
	s.deps.Tokens.Revoke(ref)
	n := s.deps.Documents.Invalidate(ref)
	s.logger.Info().Str("reference", ref).Int("invalidated", n).Msg("download tokens revoked")
	c.JSON(http.StatusOK, gin.H{"success": true, "reference": ref, "invalidated": n})
}

func (s *Server) handleDeliver(c *gin.Context) {
	ref := c.Param("ref")
	res, err := s.deps.Documents.DeliverReference(c.Request.Context(), ref)
	if err != nil {
		s.documentError(c, ref, err)
		return
	}
	status := http.StatusOK
	switch {
	case res.Success:
	case res.ErrorKind == failure.KindValidationFailed.String():
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}
