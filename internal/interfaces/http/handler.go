package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/infrastructure"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/usecases"
)

const qrWaitTimeout = 25 * time.Second

type Handler struct {
	gateway *usecases.Gateway
}

func NewHandler(gateway *usecases.Gateway) *Handler {
	return &Handler{gateway: gateway}
}

func SetupRoutes(r *gin.Engine, gateway *usecases.Gateway, auth *usecases.AuthUsecase, middleware *Middleware) {
	h := NewHandler(gateway)

	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(1 << 20)) // 1MB max request size

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/api/auth/login", func(c *gin.Context) {
		var loginReq struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&loginReq); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		token, err := auth.Login(c.Request.Context(), loginReq.Username, loginReq.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	api := r.Group("/api", middleware.AuthRequired())
	{
		api.POST("/instances", h.RegisterInstance)
		api.GET("/instances", h.ListSessions)
		api.GET("/instances/:key", h.GetInstance)
		api.POST("/instances/:key/start", h.StartSession)
		api.GET("/instances/:key/qr", h.GetQR)
		api.DELETE("/instances/:key/session", h.DisconnectSession)
		api.POST("/instances/:key/unban", h.Unban)

		api.POST("/send", h.SendOwner)
		api.POST("/send/shared", h.SendShared)
		api.POST("/send/direct", h.SendDirect)
	}
}

func (h *Handler) RegisterInstance(c *gin.Context) {
	var req struct {
		InstanceKey string `json:"instance_key"`
		OwnerID     int64  `json:"owner_id"`
		SharedPool  bool   `json:"shared_pool"`
		DailyLimit  int    `json:"daily_limit"`
		Priority    int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !ValidInstanceKey(req.InstanceKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid instance key"})
		return
	}
	inst, err := h.gateway.RegisterInstance(c.Request.Context(), req.OwnerID, req.InstanceKey, req.SharedPool, req.DailyLimit, req.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.gateway.ListSessions()})
}

func (h *Handler) GetInstance(c *gin.Context) {
	key := c.Param("key")
	inst, err := h.gateway.GetInstance(c.Request.Context(), key)
	if err != nil {
		respondSendError(c, err)
		return
	}
	resp := gin.H{"instance": inst}
	if info, ok := h.gateway.GetSession(key); ok {
		resp["session"] = info
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) StartSession(c *gin.Context) {
	info, err := h.gateway.StartSession(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetQR waits for the pairing challenge and renders it as a PNG. When the
// session connects directly from stored credentials there is nothing to
// scan, so the current status comes back as JSON instead.
func (h *Handler) GetQR(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), qrWaitTimeout)
	defer cancel()

	info, err := h.gateway.WaitForQR(ctx, c.Param("key"))
	if err != nil {
		respondSendError(c, err)
		return
	}
	if info.QRCode == "" {
		c.JSON(http.StatusOK, gin.H{"status": info.Status, "has_challenge": false})
		return
	}
	png, err := qrcode.Encode(info.QRCode, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render QR"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) DisconnectSession(c *gin.Context) {
	if err := h.gateway.DisconnectSession(c.Request.Context(), c.Param("key")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (h *Handler) Unban(c *gin.Context) {
	if err := h.gateway.UnbanInstance(c.Request.Context(), c.Param("key")); err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}

type sendRequest struct {
	OwnerID     int64  `json:"owner_id"`
	InstanceKey string `json:"instance_key"`
	To          string `json:"to"`
	Text        string `json:"text"`
}

func (r *sendRequest) validate() string {
	if !ValidPhoneNumber(r.To) {
		return "Invalid recipient number"
	}
	if !ValidMessage(r.Text) {
		return "Invalid message body"
	}
	return ""
}

func (h *Handler) SendOwner(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	res, err := h.gateway.SendWithOwnerRotation(c.Request.Context(), req.OwnerID, req.To, SanitizeString(req.Text))
	if err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) SendShared(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	res, err := h.gateway.SendWithSharedRotation(c.Request.Context(), req.To, SanitizeString(req.Text))
	if err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) SendDirect(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !ValidInstanceKey(req.InstanceKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid instance key"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	res, err := h.gateway.SendDirect(c.Request.Context(), req.InstanceKey, req.To, SanitizeString(req.Text))
	if err != nil {
		respondSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// respondSendError maps gateway errors to HTTP statuses: exhausted pools are
// service-unavailable, everything unexpected is internal-error.
func respondSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecases.ErrCapacityExhausted), errors.Is(err, usecases.ErrDispatchExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, usecases.ErrUnknownInstance), errors.Is(err, infrastructure.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, usecases.ErrInstanceBanned), errors.Is(err, usecases.ErrInstanceOffline):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, usecases.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
