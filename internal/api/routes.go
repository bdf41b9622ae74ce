package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/barter-engine/internal/engine"
	"github.com/tradeloop/barter-engine/pkg/models"
)

// APIHandler is the thin JSON shim over the transport-neutral engine
// surface. Authentication, rate limiting and tenant provisioning
// policy live outside this service.
type APIHandler struct {
	eng   *engine.Engine
	wsHub *Hub
}

func SetupRouter(eng *engine.Engine, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	handler := &APIHandler{eng: eng, wsHub: wsHub}

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		api.POST("/tenants", handler.handleCreateTenant)
		api.DELETE("/tenants/:tenant", handler.handleDestroyTenant)

		t := api.Group("/tenants/:tenant")
		{
			t.POST("/inventory", handler.handleSubmitInventory)
			t.POST("/inventory/remove", handler.handleRemoveInventory)
			t.POST("/wants", handler.handleSubmitWants)
			t.POST("/wants/remove", handler.handleRemoveWants)
			t.POST("/collection-wants", handler.handleSubmitCollectionWant)
			t.POST("/collection-wants/remove", handler.handleRemoveCollectionWant)
			t.POST("/rejections", handler.handleRecordRejection)
			t.POST("/rejections/remove", handler.handleRemoveRejection)

			t.GET("/cycles", handler.handleQueryCycles)
			t.GET("/cycle", handler.handleQueryCycleByID)
			t.GET("/state", handler.handleSystemState)
			t.GET("/integrity", handler.handleIntegrity)
			t.GET("/graph", handler.handleGraphSnapshot)
		}
	}

	return r
}

// statusOf maps the stable engine codes onto HTTP statuses.
func statusOf(code string) int {
	switch code {
	case models.CodeUnknownTenant, models.CodeNotFound, models.CodeUnknownItem:
		return http.StatusNotFound
	case models.CodeTenantExists, models.CodeOwnershipConflict:
		return http.StatusConflict
	case models.CodeSelfWantRejected, models.CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := models.CodeOf(err)
	msg := err.Error()
	if ee, ok := err.(*models.EngineError); ok {
		msg = ee.Message
	}
	c.JSON(statusOf(code), gin.H{"error": msg, "code": code})
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "TradeLoop Barter Matching Engine v1.0",
		"capabilities": gin.H{
			"collection_wants":  true,
			"multi_party_loops": true,
			"persistence":       true,
			"integrity_checks":  true,
		},
	})
}

func (h *APIHandler) handleCreateTenant(c *gin.Context) {
	var req struct {
		TenantID string              `json:"tenantId"`
		Config   engine.TenantConfig `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := h.eng.CreateTenant(c.Request.Context(), req.TenantID, req.Config); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "tenantId": req.TenantID})
}

func (h *APIHandler) handleDestroyTenant(c *gin.Context) {
	if err := h.eng.DestroyTenant(c.Param("tenant")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *APIHandler) handleSubmitInventory(c *gin.Context) {
	var req struct {
		Owner string        `json:"owner"`
		Items []models.Item `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, items}"})
		return
	}
	result, err := h.eng.SubmitInventory(c.Request.Context(), c.Param("tenant"), req.Owner, req.Items)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleRemoveInventory(c *gin.Context) {
	var req struct {
		Owner   string   `json:"owner"`
		ItemIDs []string `json:"itemIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, itemIds}"})
		return
	}
	result, err := h.eng.RemoveInventory(c.Request.Context(), c.Param("tenant"), req.Owner, req.ItemIDs)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleSubmitWants(c *gin.Context) {
	var req struct {
		Owner   string   `json:"owner"`
		ItemIDs []string `json:"itemIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, itemIds}"})
		return
	}
	result, err := h.eng.SubmitWants(c.Request.Context(), c.Param("tenant"), req.Owner, req.ItemIDs)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleRemoveWants(c *gin.Context) {
	var req struct {
		Owner   string   `json:"owner"`
		ItemIDs []string `json:"itemIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, itemIds}"})
		return
	}
	result, err := h.eng.RemoveWants(c.Request.Context(), c.Param("tenant"), req.Owner, req.ItemIDs)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleSubmitCollectionWant(c *gin.Context) {
	var req struct {
		Owner        string `json:"owner"`
		CollectionID string `json:"collectionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, collectionId}"})
		return
	}
	result, err := h.eng.SubmitCollectionWant(c.Request.Context(), c.Param("tenant"), req.Owner, req.CollectionID)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleRemoveCollectionWant(c *gin.Context) {
	var req struct {
		Owner        string `json:"owner"`
		CollectionID string `json:"collectionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, collectionId}"})
		return
	}
	result, err := h.eng.RemoveCollectionWant(c.Request.Context(), c.Param("tenant"), req.Owner, req.CollectionID)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleRecordRejection(c *gin.Context) {
	var req struct {
		Owner     string              `json:"owner"`
		Rejection models.RejectionRef `json:"rejection"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, rejection:{cycleSig|otherOwner}}"})
		return
	}
	result, err := h.eng.RecordRejection(c.Request.Context(), c.Param("tenant"), req.Owner, req.Rejection)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleRemoveRejection(c *gin.Context) {
	var req struct {
		Owner     string              `json:"owner"`
		Rejection models.RejectionRef `json:"rejection"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {owner, rejection:{cycleSig|otherOwner}}"})
		return
	}
	result, err := h.eng.RemoveRejection(c.Request.Context(), c.Param("tenant"), req.Owner, req.Rejection)
	if err != nil {
		respondErrorWithResult(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleQueryCycles(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing owner query parameter"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	minScore, _ := strconv.ParseFloat(c.DefaultQuery("minScore", "0"), 64)

	cycles, err := h.eng.QueryCycles(c.Param("tenant"), owner, limit, minScore)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

// handleQueryCycleByID looks up one loop. The signature travels as a
// query parameter because it contains path-hostile characters.
func (h *APIHandler) handleQueryCycleByID(c *gin.Context) {
	sig := c.Query("sig")
	if sig == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing sig query parameter"})
		return
	}
	loop, err := h.eng.QueryCycleByID(c.Param("tenant"), sig)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loop)
}

func (h *APIHandler) handleSystemState(c *gin.Context) {
	state, err := h.eng.SystemState(c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *APIHandler) handleIntegrity(c *gin.Context) {
	report, err := h.eng.ValidateIntegrity(c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *APIHandler) handleGraphSnapshot(c *gin.Context) {
	snap, err := h.eng.GraphSnapshot(c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// respondErrorWithResult keeps the rejected-element detail from failed
// write events alongside the error envelope.
func respondErrorWithResult(c *gin.Context, err error, result models.Result) {
	code := models.CodeOf(err)
	msg := err.Error()
	if ee, ok := err.(*models.EngineError); ok {
		msg = ee.Message
	}
	body := gin.H{"error": msg, "code": code}
	if len(result.Rejected) > 0 {
		body["rejected"] = result.Rejected
	}
	c.JSON(statusOf(code), body)
}
