package main

import (
	"errors"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/models"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// registerOpsRoutes exposes the settlement event outbox of a consignment so
// operators can see and replay events that failed to publish. Consignments
// are recorded here too, since shipping happens outside this service.
func registerOpsRoutes(r gin.IRouter) {
	g := r.Group("/internal/ops")
	g.POST("/consignments", createConsignmentHandler)
	g.GET("/outbox/:consignmentId", outboxStatusHandler)
	g.POST("/outbox/:consignmentId/replay", outboxReplayHandler)
}

func createConsignmentHandler(c *gin.Context) {
	var input models.NewConsignment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	row, err := models.CreateConsignment(c.Request.Context(), config.GetDB(), businessIdOf(c), &input)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func consignmentIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("consignmentId"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid consignment id"})
		return 0, false
	}
	return id, true
}

func outboxStatusHandler(c *gin.Context) {
	consignmentId, ok := consignmentIdParam(c)
	if !ok {
		return
	}
	records, err := models.GetSettlementEvents(c.Request.Context(), config.GetDB(), businessIdOf(c), consignmentId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func outboxReplayHandler(c *gin.Context) {
	consignmentId, ok := consignmentIdParam(c)
	if !ok {
		return
	}
	n, err := models.ReplaySettlementEvents(c.Request.Context(), config.GetDB(), businessIdOf(c), consignmentId)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no failed settlement events for consignment"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consignment_id": consignmentId, "requeued": n})
}
