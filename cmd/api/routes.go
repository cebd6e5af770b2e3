package main

import (
	"bidcall-platform/internal/httpapi"
	"bidcall-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	v1.POST("/auth/login", h.Login)

	protected := v1.Group("")
	protected.Use(authMW)
	{
		// Long-lived event connection; intents for bidding and call control
		// flow over it.
		protected.GET("/ws", h.WS)

		sessions := protected.Group("/sessions")
		{
			sessions.POST("", rbac.RequireAnyRole(rbac.RoleInfluencer), h.CreateSession)
			sessions.GET("/:id", h.GetSession)
		}

		billingGroup := protected.Group("/billing")
		{
			billingGroup.POST("/process-bid-payment/:bid_id", rbac.RequireAnyRole(rbac.RoleInfluencer), h.ProcessBidPayment)
			billingGroup.POST("/start-call-billing", rbac.RequireAnyRole(rbac.RoleExplorer), h.StartCallBilling)
			billingGroup.POST("/end-call-billing", h.EndCallBilling)
			billingGroup.POST("/handle-payment-failure/:billing_session_id", rbac.RequireAnyRole(rbac.RoleAdmin), h.HandlePaymentFailure)
			billingGroup.POST("/process-refund/:billing_session_id", rbac.RequireAnyRole(rbac.RoleAdmin), h.ProcessRefund)
			billingGroup.GET("/billing-session/:id", h.GetBillingSession)
			billingGroup.GET("/user-billing-sessions", h.UserBillingSessions)
		}

		historyGroup := protected.Group("/history")
		{
			historyGroup.GET("/calls", h.CallHistory)
			historyGroup.GET("/transactions", h.Transactions)
		}
	}
}
