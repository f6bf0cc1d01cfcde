package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/models"
	"bitbucket.org/mmdatafocus/consignment_backend/models/reports"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"bitbucket.org/mmdatafocus/consignment_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// settlementBackend hands out the business-scoped collaborators a session
// needs.
type settlementBackend interface {
	Store(businessId string) settlement.SettlementStore
	Directory(businessId string) settlement.ProductDirectory
}

type gormBackend struct{}

func (gormBackend) Store(businessId string) settlement.SettlementStore {
	return models.NewSettlementStore(config.GetDB(), businessId)
}

func (gormBackend) Directory(businessId string) settlement.ProductDirectory {
	return models.NewProductDirectory(config.GetDB(), businessId)
}

type commitFunc func(ctx context.Context, s *settlement.Session, store settlement.SettlementStore) (*settlement.SettlementRequest, error)

type settlementHandlers struct {
	registry *sessionRegistry
	backend  settlementBackend
	commit   commitFunc
}

func newSettlementHandlers(registry *sessionRegistry, backend settlementBackend) *settlementHandlers {
	return &settlementHandlers{
		registry: registry,
		backend:  backend,
		commit:   workflow.CommitSettlement,
	}
}

func (h *settlementHandlers) register(r gin.IRouter) {
	g := r.Group("/settlements")
	g.POST("", h.open)
	g.GET("/:id", h.withSession(h.snapshot))
	g.DELETE("/:id", h.discard)
	g.POST("/:id/returns", h.withSession(h.reportReturn))
	g.POST("/:id/returns/resolve", h.withSession(h.resolvePending))
	g.DELETE("/:id/returns/:code", h.withSession(h.removeReturn))
	g.POST("/:id/drafts", h.withSession(h.createDraft))
	g.PATCH("/:id/drafts/:draftId", h.withSession(h.updateDraft))
	g.DELETE("/:id/drafts/:draftId", h.withSession(h.removeDraft))
	g.POST("/:id/drafts/:draftId/allocations", h.withSession(h.allocate))
	g.DELETE("/:id/drafts/:draftId/allocations/:productId", h.withSession(h.deallocate))
	g.GET("/:id/validation", h.withSession(h.validation))
	g.POST("/:id/commit", h.withSession(h.commitSession))
	g.GET("/:id/export", h.withSession(h.export))
	g.POST("/:id/export/share", h.withSession(h.shareExport))
}

type sessionView struct {
	ID             string                                     `json:"id"`
	ConsignmentId  int                                        `json:"consignment_id"`
	IdempotencyKey string                                     `json:"idempotency_key"`
	Committed      bool                                       `json:"committed"`
	Lines          []settlement.LineResult                    `json:"lines"`
	Returns        []settlement.ReturnEntry                   `json:"returns"`
	Unrecognized   []settlement.UnrecognizedIdentifierWarning `json:"unrecognized"`
	OverReturns    []settlement.OverReturnWarning             `json:"over_returns"`
	Drafts         []settlement.DraftSale                     `json:"drafts"`
	Remaining      map[int]int                                `json:"remaining"`
	Validation     settlement.ValidationResult                `json:"validation"`
	Released       []settlement.ReleasedAllocation            `json:"released,omitempty"`
}

func newSessionView(e *sessionEntry, released []settlement.ReleasedAllocation) sessionView {
	s := e.session
	classification := s.Classification()
	remaining := make(map[int]int)
	for _, productId := range s.Ledger().Products() {
		remaining[productId] = s.Remaining(productId)
	}
	return sessionView{
		ID:             e.id,
		ConsignmentId:  s.Consignment().ID,
		IdempotencyKey: s.IdempotencyKey(),
		Committed:      s.Committed(),
		Lines:          s.Lines(),
		Returns:        s.Returns(),
		Unrecognized:   classification.Unrecognized,
		OverReturns:    classification.OverReturns,
		Drafts:         s.Ledger().Drafts(),
		Remaining:      remaining,
		Validation:     s.Validate(),
		Released:       released,
	}
}

func businessIdOf(c *gin.Context) string {
	businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
	return businessId
}

// withSession looks the session up and holds its lock for the whole request.
func (h *settlementHandlers) withSession(fn func(c *gin.Context, e *sessionEntry)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := h.registry.get(businessIdOf(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		fn(c, e)
	}
}

type openSettlementInput struct {
	ConsignmentId  int    `json:"consignment_id" binding:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *settlementHandlers) open(c *gin.Context) {
	var input openSettlementInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	businessId := businessIdOf(c)
	consignment, err := h.backend.Store(businessId).Load(c.Request.Context(), input.ConsignmentId)
	if err != nil {
		respondError(c, err)
		return
	}
	s, err := settlement.NewSession(consignment, settlement.WithIdempotencyKey(input.IdempotencyKey))
	if err != nil {
		respondError(c, err)
		return
	}
	e := h.registry.add(businessId, s)
	c.JSON(http.StatusCreated, newSessionView(e, nil))
}

func (h *settlementHandlers) discard(c *gin.Context) {
	if !h.registry.remove(businessIdOf(c), c.Param("id")) {
		respondError(c, settlement.NewNotFoundError("settlement session", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *settlementHandlers) snapshot(c *gin.Context, e *sessionEntry) {
	c.JSON(http.StatusOK, newSessionView(e, nil))
}

type reportReturnInput struct {
	Code string `json:"code" binding:"required"`
}

// reportReturn records the code and resolves it straight away. If the
// directory fails the entry stays pending and can be retried through
// /returns/resolve.
func (h *settlementHandlers) reportReturn(c *gin.Context, e *sessionEntry) {
	var input reportReturnInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	if _, err := e.session.ReportReturn(input.Code); err != nil {
		respondError(c, err)
		return
	}
	h.resolvePending(c, e)
}

func (h *settlementHandlers) resolvePending(c *gin.Context, e *sessionEntry) {
	released, err := e.session.ResolvePending(c.Request.Context(), h.backend.Directory(e.businessId))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(e, released))
}

func (h *settlementHandlers) removeReturn(c *gin.Context, e *sessionEntry) {
	code := c.Param("code")
	removed, err := e.session.RemoveReturn(code)
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		respondError(c, settlement.NewNotFoundError("return code", code))
		return
	}
	c.JSON(http.StatusOK, newSessionView(e, nil))
}

type createDraftInput struct {
	Name       string `json:"name" binding:"max=100"`
	CustomerId *int   `json:"customer_id" binding:"omitempty,gt=0"`
}

func (h *settlementHandlers) createDraft(c *gin.Context, e *sessionEntry) {
	var input createDraftInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	draftId, err := e.session.CreateDraftSale(input.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	if input.CustomerId != nil {
		if err := e.session.SetDraftCustomer(draftId, input.CustomerId); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"draft_id": draftId, "session": newSessionView(e, nil)})
}

type updateDraftInput struct {
	Name       *string `json:"name" binding:"omitempty,max=100"`
	CustomerId *int    `json:"customer_id" binding:"omitempty,gt=0"`
}

func (h *settlementHandlers) updateDraft(c *gin.Context, e *sessionEntry) {
	var input updateDraftInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	draftId := c.Param("draftId")
	if input.Name != nil {
		if err := e.session.RenameDraftSale(draftId, *input.Name); err != nil {
			respondError(c, err)
			return
		}
	}
	if input.CustomerId != nil {
		if err := e.session.SetDraftCustomer(draftId, input.CustomerId); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, newSessionView(e, nil))
}

func (h *settlementHandlers) removeDraft(c *gin.Context, e *sessionEntry) {
	if err := e.session.RemoveDraftSale(c.Param("draftId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(e, nil))
}

type allocateInput struct {
	ProductId int              `json:"product_id" binding:"required"`
	Quantity  int              `json:"quantity"`
	UnitValue *decimal.Decimal `json:"unit_value"`
	Note      string           `json:"note" binding:"max=255"`
}

func (h *settlementHandlers) allocate(c *gin.Context, e *sessionEntry) {
	var input allocateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
		return
	}
	if err := e.session.AllocateWithValue(c.Param("draftId"), input.ProductId, input.Quantity, input.UnitValue, input.Note); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(e, nil))
}

func (h *settlementHandlers) deallocate(c *gin.Context, e *sessionEntry) {
	productId, err := strconv.Atoi(c.Param("productId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}
	if err := e.session.Deallocate(c.Param("draftId"), productId); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(e, nil))
}

func (h *settlementHandlers) validation(c *gin.Context, e *sessionEntry) {
	c.JSON(http.StatusOK, e.session.Validate())
}

func (h *settlementHandlers) commitSession(c *gin.Context, e *sessionEntry) {
	req, err := h.commit(c.Request.Context(), e.session, h.backend.Store(e.businessId))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *settlementHandlers) export(c *gin.Context, e *sessionEntry) {
	data, err := reports.SettlementWorkbookBytes(e.session)
	if err != nil {
		respondError(c, err)
		return
	}
	filename := fmt.Sprintf("consignment-%d-%s.xlsx", e.session.Consignment().ID, time.Now().UTC().Format("20060102T150405Z"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, reports.XlsxContentType, data)
}

// shareExport uploads the workbook to GCS and answers with a signed link.
func (h *settlementHandlers) shareExport(c *gin.Context, e *sessionEntry) {
	expires := time.Duration(config.IntFromEnv("SETTLEMENT_EXPORT_LINK_MINUTES", 60)) * time.Minute
	link, err := workflow.ShareSettlementExport(c.Request.Context(), e.session, expires)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrOverAllocation),
		errors.Is(err, settlement.ErrInvalidQuantity),
		errors.Is(err, settlement.ErrInvalidAllocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrIncompleteAllocation),
		errors.Is(err, settlement.ErrResolutionPending),
		errors.Is(err, settlement.ErrConsignmentClosed),
		errors.Is(err, settlement.ErrSessionCommitted),
		errors.Is(err, models.ErrIdempotencyInProgress),
		errors.Is(err, utils.ErrorLockNotHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusForError(err)
	body := gin.H{"error": err.Error()}

	var incomplete *settlement.IncompleteAllocationError
	var over *settlement.OverAllocationError
	switch {
	case errors.As(err, &incomplete):
		body["violations"] = incomplete.Violations
	case errors.As(err, &over):
		body["remaining"] = over.Remaining
	}

	if status == http.StatusInternalServerError {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(config.GetLogger(), "settlementHandlers", c.FullPath(), "handling settlement request", logrus.Fields{
			"business_id":    businessIdOf(c),
			"correlation_id": cid,
		}, err)
		_ = c.Error(err)
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}
