package httpapi

import (
	"errors"
	"net/http"
	"time"

	"bidcall-platform/internal/auth"
	"bidcall-platform/internal/bids"
	"bidcall-platform/internal/billing"
	"bidcall-platform/internal/gateway"
	"bidcall-platform/internal/history"
	"bidcall-platform/internal/rbac"
	"bidcall-platform/internal/resolve"
	"bidcall-platform/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Registry *session.Registry
	Ledger   *bids.Ledger
	Engine   *resolve.Engine
	Billing  *billing.Coordinator
	History  *history.Recorder
	Gateway  *gateway.Gateway
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 1 << 10,
	// Browsers cannot set Authorization headers on websocket upgrades; the
	// token rides the query string instead, so origin is not a useful gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	switch req.Role {
	case rbac.RoleInfluencer, rbac.RoleExplorer, rbac.RoleAdmin:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Sessions ---

type createSessionRequest struct {
	PerMinuteRateMinor int64 `json:"per_minute_rate_minor"`
	AllowBids          bool  `json:"allow_bids"`
}

// CreateSession opens a broadcast slot for the calling influencer.
func (h Handlers) CreateSession(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s, err := h.Registry.CreateSession(c.Request.Context(), userID, req.PerMinuteRateMinor, req.AllowBids)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) GetSession(c *gin.Context) {
	s, ok := h.Registry.Snapshot(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "active_bids": h.Ledger.ActiveBids(s.ID)})
}

// --- Billing ---

// ProcessBidPayment accepts a bid: authorizes payment and reserves the call
// slot for the bidder. Influencer only; the engine enforces ownership.
func (h Handlers) ProcessBidPayment(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	bidID := c.Param("bid_id")
	if bidID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bid_id required"})
		return
	}
	bs, err := h.Engine.AcceptBid(c.Request.Context(), userID, bidID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bs)
}

type startCallRequest struct {
	StreamSessionID string `json:"stream_session_id"`
}

// StartCallBilling confirms the accepted viewer joined; the call goes live
// and metered accrual is already running against their billing session.
func (h Handlers) StartCallBilling(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.StreamSessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "stream_session_id required"})
		return
	}
	s, err := h.Registry.MarkViewerJoined(c.Request.Context(), req.StreamSessionID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	bs, _ := h.Billing.ActiveForStream(s.ID)
	c.JSON(http.StatusOK, gin.H{"session": s, "billing_session": bs})
}

type endCallRequest struct {
	StreamSessionID string `json:"stream_session_id"`
	Reason          string `json:"reason"`
}

// EndCallBilling freezes accrual and ends the call cycle. Participants or
// admin.
func (h Handlers) EndCallBilling(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	var req endCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.StreamSessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "stream_session_id required"})
		return
	}
	reason := billing.EndReason(req.Reason)
	switch reason {
	case billing.EndReasonCompleted, billing.EndReasonDisconnected, billing.EndReasonCancelled:
	case "":
		reason = billing.EndReasonCompleted
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown reason"})
		return
	}

	if !rbac.IsAdmin(role) {
		s, ok := h.Registry.Snapshot(req.StreamSessionID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if s.InfluencerID != userID && s.CurrentExplorerID != userID && s.AwaitingExplorerID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant"})
			return
		}
	}

	final, err := h.Billing.EndCall(c.Request.Context(), req.StreamSessionID, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	h.Ledger.ExpireSession(req.StreamSessionID)
	c.JSON(http.StatusOK, gin.H{"accrued_minor": final})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// HandlePaymentFailure reports a mid-call payment failure. Admin only
// (wired at the route level).
func (h Handlers) HandlePaymentFailure(c *gin.Context) {
	id := c.Param("billing_session_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "billing_session_id required"})
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "payment failure reported"
	}
	if err := h.Billing.HandleFailure(c.Request.Context(), id, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

// ProcessRefund refunds a completed or failed billing session. Admin only.
func (h Handlers) ProcessRefund(c *gin.Context) {
	id := c.Param("billing_session_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "billing_session_id required"})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.Billing.Refund(c.Request.Context(), id, userID, role, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

// GetBillingSession returns one billing session. Participants or admin.
func (h Handlers) GetBillingSession(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	bs, ok := h.Billing.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "billing session not found"})
		return
	}
	if !rbac.IsAdmin(role) && bs.ExplorerID != userID && bs.InfluencerID != userID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	c.JSON(http.StatusOK, bs)
}

// UserBillingSessions returns every billing session the caller takes part in.
func (h Handlers) UserBillingSessions(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing_sessions": h.Billing.ForUser(userID)})
}

// --- History ---

func (h Handlers) CallHistory(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	calls, err := h.History.GetCallHistoryByUserID(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

func (h Handlers) Transactions(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	txs, err := h.History.GetTransactionsByUserID(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "transaction lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// --- Websocket ---

// WS upgrades the connection and hands it to the event gateway. Blocks for
// the lifetime of the connection.
func (h Handlers) WS(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	h.Gateway.ServeConn(c.Request.Context(), conn, userID, role)
}

// writeError maps engine sentinels onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var pe *billing.PaymentError
	switch {
	case errors.As(err, &pe):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": pe.Message, "code": pe.Code, "declined": pe.Declined})
	case errors.Is(err, bids.ErrBidNotFound),
		errors.Is(err, bids.ErrSessionNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, billing.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, resolve.ErrNotOwner):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, resolve.ErrBidAlreadyResolved),
		errors.Is(err, resolve.ErrSessionNotPending),
		errors.Is(err, session.ErrAlreadyOccupied),
		errors.Is(err, session.ErrAlreadyLive),
		errors.Is(err, session.ErrNotJoinable),
		errors.Is(err, billing.ErrInvalidState),
		errors.Is(err, billing.ErrSessionNotLive):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, bids.ErrAmountTooLow),
		errors.Is(err, bids.ErrBiddingClosed),
		errors.Is(err, bids.ErrOwnSession),
		errors.Is(err, bids.ErrInvalidArgument),
		errors.Is(err, session.ErrInvalidArgument),
		errors.Is(err, billing.ErrInvalidArgument),
		errors.Is(err, billing.ErrUnknownGift):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
