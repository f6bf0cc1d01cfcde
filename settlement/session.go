package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchProductDirectory is an optional extension of ProductDirectory that
// resolves many codes in one round trip. Codes missing from the result map
// did not match any product.
type BatchProductDirectory interface {
	ProductDirectory
	ResolveCodes(ctx context.Context, codes []string) (map[string]int, error)
}

type SessionOption func(*Session)

// WithIdempotencyKey reuses a key from an earlier session, e.g. after the
// session was rebuilt following an ambiguous commit failure.
func WithIdempotencyKey(key string) SessionOption {
	return func(s *Session) {
		if key != "" {
			s.idempotencyKey = key
		}
	}
}

// Session holds one operator's settlement of one consignment: the return
// report, the derived classification and the draft-sale ledger. It is not
// safe for concurrent use.
type Session struct {
	consignment    *Consignment
	report         ReturnReport
	classification Classification
	ledger         *Ledger
	idempotencyKey string
	committed      bool
}

func NewSession(c *Consignment, opts ...SessionOption) (*Session, error) {
	if c == nil {
		return nil, notFound("consignment", 0)
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("consignment %d: %w", c.ID, ErrConsignmentClosed)
	}
	s := &Session{
		consignment:    c,
		idempotencyKey: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.classification = Classify(c, nil)
	s.ledger = NewLedger(s.classification.Lines)
	return s, nil
}

func (s *Session) Consignment() *Consignment {
	return s.consignment
}

func (s *Session) IdempotencyKey() string {
	return s.idempotencyKey
}

func (s *Session) Committed() bool {
	return s.committed
}

// ReportReturn records one returned unit by code. The entry stays pending
// until ApplyResolution or ResolvePending resolves it.
func (s *Session) ReportReturn(code string) (string, error) {
	if s.committed {
		return "", ErrSessionCommitted
	}
	id := s.report.Add(code)
	s.reclassify()
	return id, nil
}

// ApplyResolution stores the directory result for a pending entry and
// reclassifies. Allocations released by the new classification are returned.
func (s *Session) ApplyResolution(entryId string, productId int, resolveErr error) ([]ReleasedAllocation, error) {
	if s.committed {
		return nil, ErrSessionCommitted
	}
	if err := s.report.Resolve(entryId, productId, resolveErr); err != nil {
		return nil, err
	}
	return s.reclassify(), nil
}

// ResolvePending resolves every pending entry through the directory. Lookups
// that fail with anything other than NotFound leave their entries pending and
// the first such error is returned.
func (s *Session) ResolvePending(ctx context.Context, dir ProductDirectory) ([]ReleasedAllocation, error) {
	if s.committed {
		return nil, ErrSessionCommitted
	}
	pending := s.report.Pending()
	if len(pending) == 0 {
		return nil, nil
	}

	var firstErr error
	if batch, ok := dir.(BatchProductDirectory); ok {
		codes := make([]string, 0, len(pending))
		for _, e := range pending {
			codes = append(codes, e.Code)
		}
		resolved, err := batch.ResolveCodes(ctx, codes)
		if err != nil {
			return nil, err
		}
		for _, e := range pending {
			if id, ok := resolved[e.Code]; ok {
				_ = s.report.Resolve(e.ID, id, nil)
			} else {
				_ = s.report.Resolve(e.ID, 0, notFound("product code", e.Code))
			}
		}
	} else {
		for _, e := range pending {
			id, err := dir.ResolveByCode(ctx, e.Code)
			if rerr := s.report.Resolve(e.ID, id, err); rerr != nil && firstErr == nil {
				firstErr = rerr
			}
		}
	}
	return s.reclassify(), firstErr
}

// RemoveReturn drops the latest entry reported with code.
func (s *Session) RemoveReturn(code string) (bool, error) {
	if s.committed {
		return false, ErrSessionCommitted
	}
	if !s.report.Remove(code) {
		return false, nil
	}
	s.reclassify()
	return true, nil
}

func (s *Session) reclassify() []ReleasedAllocation {
	s.classification = Classify(s.consignment, s.report.Entries())
	return s.ledger.UpdateSold(s.classification.Lines)
}

func (s *Session) Returns() []ReturnEntry {
	return s.report.Entries()
}

func (s *Session) Classification() Classification {
	return s.classification
}

func (s *Session) Lines() []LineResult {
	out := make([]LineResult, len(s.classification.Lines))
	copy(out, s.classification.Lines)
	return out
}

func (s *Session) Ledger() *Ledger {
	return s.ledger
}

func (s *Session) CreateDraftSale(name string) (string, error) {
	if s.committed {
		return "", ErrSessionCommitted
	}
	return s.ledger.CreateDraftSale(name), nil
}

func (s *Session) RemoveDraftSale(id string) error {
	if s.committed {
		return ErrSessionCommitted
	}
	s.ledger.RemoveDraftSale(id)
	return nil
}

func (s *Session) RenameDraftSale(id string, name string) error {
	if s.committed {
		return ErrSessionCommitted
	}
	return s.ledger.RenameDraftSale(id, name)
}

func (s *Session) Allocate(draftId string, productId int, quantity int) error {
	if s.committed {
		return ErrSessionCommitted
	}
	return s.ledger.Allocate(draftId, productId, quantity)
}

func (s *Session) AllocateWithValue(draftId string, productId int, quantity int, unitValue *decimal.Decimal, note string) error {
	if s.committed {
		return ErrSessionCommitted
	}
	return s.ledger.AllocateWithValue(draftId, productId, quantity, unitValue, note)
}

func (s *Session) SetAllocationValue(draftId string, productId int, unitValue *decimal.Decimal, note string) error {
	if s.committed {
		return ErrSessionCommitted
	}
	return s.ledger.SetAllocationValue(draftId, productId, unitValue, note)
}

func (s *Session) SetDraftCustomer(draftId string, customerId *int) error {
	if s.committed {
		return ErrSessionCommitted
	}
	return s.ledger.SetDraftCustomer(draftId, customerId)
}

func (s *Session) Deallocate(draftId string, productId int) error {
	if s.committed {
		return ErrSessionCommitted
	}
	s.ledger.Deallocate(draftId, productId)
	return nil
}

func (s *Session) Remaining(productId int) int {
	return s.ledger.Remaining(productId)
}

func (s *Session) Validate() ValidationResult {
	result := s.ledger.Validate()
	for _, e := range s.report.Pending() {
		result.PendingCodes = append(result.PendingCodes, e.Code)
	}
	return result
}

// BuildRequest flattens the drafts into sale records. Drafts without a
// customer of their own sell to the consignment's customer.
func (s *Session) BuildRequest() (*SettlementRequest, error) {
	req := &SettlementRequest{
		ConsignmentId:      s.consignment.ID,
		BusinessId:         s.consignment.BusinessId,
		CustomerId:         s.consignment.CustomerId,
		IdempotencyKey:     s.idempotencyKey,
		Lines:              s.Lines(),
		ReturnedProductIds: s.classification.ReturnedProductIds(),
	}
	for _, d := range s.ledger.Drafts() {
		customerId := s.consignment.CustomerId
		if d.CustomerId != nil {
			customerId = *d.CustomerId
		}
		for _, a := range d.Allocations {
			cid := customerId
			req.Sales = append(req.Sales, SaleRecord{
				ProductId:   a.ProductId,
				Quantity:    a.Quantity,
				CustomerId:  &cid,
				ValueTotal:  a.ValueTotal(),
				Note:        a.Note,
				DraftSaleId: d.ID,
				DraftName:   d.Name,
			})
		}
	}
	if err := req.Check(); err != nil {
		return nil, err
	}
	return req, nil
}

// Commit re-validates the session and hands the settlement to the store. On
// any failure the session and consignment are left as they were, so the
// operator can retry with the same drafts.
func (s *Session) Commit(ctx context.Context, store SettlementStore) (*SettlementRequest, error) {
	if s.committed {
		return nil, ErrSessionCommitted
	}
	if s.report.HasPending() {
		return nil, ErrResolutionPending
	}
	if result := s.ledger.Validate(); !result.OK() {
		return nil, &IncompleteAllocationError{Violations: result.Violations}
	}
	req, err := s.BuildRequest()
	if err != nil {
		return nil, &IncompleteAllocationError{Reason: err.Error()}
	}

	if checker, ok := store.(AppliedSettlementChecker); ok {
		applied, err := checker.SettlementApplied(ctx, s.idempotencyKey)
		if err != nil {
			return nil, err
		}
		if applied {
			s.markCommitted()
			return req, nil
		}
	}

	current, err := store.Load(ctx, s.consignment.ID)
	if err != nil {
		return nil, err
	}
	if !current.IsActive() {
		return nil, &IncompleteAllocationError{Reason: fmt.Sprintf("consignment %d is no longer active", s.consignment.ID)}
	}

	if err := store.ApplySettlement(ctx, req); err != nil {
		if errors.Is(err, ErrConsignmentClosed) {
			return nil, &IncompleteAllocationError{Reason: err.Error()}
		}
		return nil, err
	}
	s.markCommitted()
	return req, nil
}

func (s *Session) markCommitted() {
	s.committed = true
	s.consignment.Status = ConsignmentStatusClosed
}
