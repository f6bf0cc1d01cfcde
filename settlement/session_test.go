package settlement

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeDirectory struct {
	codes map[string]int
	fail  error
	calls int
}

func (d *fakeDirectory) ResolveByCode(_ context.Context, code string) (int, error) {
	d.calls++
	if d.fail != nil {
		return 0, d.fail
	}
	id, ok := d.codes[code]
	if !ok {
		return 0, &NotFoundError{Kind: "product code", Id: code}
	}
	return id, nil
}

type fakeBatchDirectory struct {
	fakeDirectory
	batches [][]string
}

func (d *fakeBatchDirectory) ResolveCodes(_ context.Context, codes []string) (map[string]int, error) {
	d.batches = append(d.batches, codes)
	out := map[string]int{}
	for _, c := range codes {
		if id, ok := d.codes[c]; ok {
			out[c] = id
		}
	}
	return out, nil
}

type fakeStore struct {
	status   ConsignmentStatus
	applyErr error
	applied  []*SettlementRequest
}

func (s *fakeStore) Load(_ context.Context, id int) (*Consignment, error) {
	return &Consignment{ID: id, Status: s.status}, nil
}

func (s *fakeStore) Close(_ context.Context, _ int) error {
	s.status = ConsignmentStatusClosed
	return nil
}

func (s *fakeStore) ApplySettlement(_ context.Context, req *SettlementRequest) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	if s.status != ConsignmentStatusActive {
		return ErrConsignmentClosed
	}
	s.applied = append(s.applied, req)
	s.status = ConsignmentStatusClosed
	return nil
}

var codesAB = map[string]int{"A-CODE": productA, "B-CODE": productB, "C-CODE": productC}

func newTestSession(t *testing.T, lines ...ConsignmentLine) *Session {
	t.Helper()
	s, err := NewSession(mustConsignment(t, lines...))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func reportAndResolve(t *testing.T, s *Session, dir ProductDirectory, codes ...string) {
	t.Helper()
	for _, c := range codes {
		if _, err := s.ReportReturn(c); err != nil {
			t.Fatalf("ReportReturn(%s): %v", c, err)
		}
	}
	if _, err := s.ResolvePending(context.Background(), dir); err != nil {
		t.Fatalf("ResolvePending: %v", err)
	}
}

func TestNewSession_RejectsClosedConsignment(t *testing.T) {
	c := mustConsignment(t, ConsignmentLine{ProductId: productA, QuantityShipped: 1})
	c.Status = ConsignmentStatusClosed
	if _, err := NewSession(c); !errors.Is(err, ErrConsignmentClosed) {
		t.Fatalf("expected ErrConsignmentClosed, got %v", err)
	}
}

func TestSession_BasicSplitScenario(t *testing.T) {
	s := newTestSession(t,
		ConsignmentLine{ProductId: productA, QuantityShipped: 10},
		ConsignmentLine{ProductId: productB, QuantityShipped: 5},
	)
	reportAndResolve(t, s, &fakeDirectory{codes: codesAB}, "A-CODE", "A-CODE", "A-CODE")

	want := []LineResult{
		{ProductId: productA, QuantityShipped: 10, QuantityReturned: 3, QuantitySold: 7},
		{ProductId: productB, QuantityShipped: 5, QuantityReturned: 0, QuantitySold: 5},
	}
	if !reflect.DeepEqual(s.Lines(), want) {
		t.Fatalf("lines = %+v", s.Lines())
	}

	d, _ := s.CreateDraftSale("S1")
	if err := s.Allocate(d, productA, 7); err != nil {
		t.Fatalf("Allocate A: %v", err)
	}
	if err := s.Allocate(d, productB, 5); err != nil {
		t.Fatalf("Allocate B: %v", err)
	}
	if res := s.Validate(); !res.OK() {
		t.Fatalf("validate: %+v", res)
	}

	store := &fakeStore{status: ConsignmentStatusActive}
	req, err := s.Commit(context.Background(), store)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(req.Sales) != 2 || req.Sales[0].ProductId != productA || req.Sales[0].Quantity != 7 ||
		req.Sales[1].ProductId != productB || req.Sales[1].Quantity != 5 {
		t.Fatalf("sales = %+v", req.Sales)
	}
	if !reflect.DeepEqual(req.ReturnedProductIds, []int{productA, productA, productA}) {
		t.Fatalf("returned = %v", req.ReturnedProductIds)
	}
	if *req.Sales[0].CustomerId != 9 {
		t.Fatalf("sale customer = %d; want consignment customer", *req.Sales[0].CustomerId)
	}
	if store.status != ConsignmentStatusClosed || !s.Committed() || s.Consignment().IsActive() {
		t.Fatalf("consignment should be closed after commit")
	}
	if _, err := s.CreateDraftSale("late"); !errors.Is(err, ErrSessionCommitted) {
		t.Fatalf("expected ErrSessionCommitted, got %v", err)
	}
}

func TestSession_SplitAcrossTwoSales(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 10})
	s1, _ := s.CreateDraftSale("S1")
	s2, _ := s.CreateDraftSale("S2")
	if err := s.Allocate(s1, productA, 4); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := s.Allocate(s2, productA, 6); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if s.Remaining(productA) != 0 {
		t.Fatalf("remaining = %d", s.Remaining(productA))
	}
	req, err := s.Commit(context.Background(), &fakeStore{status: ConsignmentStatusActive})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(req.Sales) != 2 || req.Sales[0].Quantity != 4 || req.Sales[1].Quantity != 6 {
		t.Fatalf("sales = %+v", req.Sales)
	}
	if req.Sales[0].DraftName != "S1" || req.Sales[1].DraftName != "S2" {
		t.Fatalf("draft names = %q, %q", req.Sales[0].DraftName, req.Sales[1].DraftName)
	}
}

func TestSession_IncompleteSettlementBlocked(t *testing.T) {
	s := newTestSession(t,
		ConsignmentLine{ProductId: productA, QuantityShipped: 10},
		ConsignmentLine{ProductId: productB, QuantityShipped: 5},
	)
	d, _ := s.CreateDraftSale("S1")
	_ = s.Allocate(d, productA, 10)

	res := s.Validate()
	if len(res.Violations) != 1 || res.Violations[0].ProductId != productB {
		t.Fatalf("violations = %+v", res.Violations)
	}

	store := &fakeStore{status: ConsignmentStatusActive}
	_, err := s.Commit(context.Background(), store)
	var ia *IncompleteAllocationError
	if !errors.As(err, &ia) || !errors.Is(err, ErrIncompleteAllocation) {
		t.Fatalf("expected IncompleteAllocationError, got %v", err)
	}
	if store.status != ConsignmentStatusActive || len(store.applied) != 0 {
		t.Fatalf("consignment must remain open")
	}
	if s.Committed() || !s.Consignment().IsActive() {
		t.Fatalf("session must not be committed")
	}
}

func TestSession_CommitOnStaleConsignment(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 1})
	d, _ := s.CreateDraftSale("S1")
	_ = s.Allocate(d, productA, 1)

	_, err := s.Commit(context.Background(), &fakeStore{status: ConsignmentStatusClosed})
	if !errors.Is(err, ErrIncompleteAllocation) {
		t.Fatalf("expected ErrIncompleteAllocation for closed consignment, got %v", err)
	}
}

func TestSession_CollaboratorFailureKeepsLedger(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 2})
	d, _ := s.CreateDraftSale("S1")
	_ = s.Allocate(d, productA, 2)

	boom := errors.New("connection reset")
	store := &fakeStore{status: ConsignmentStatusActive, applyErr: boom}
	if _, err := s.Commit(context.Background(), store); !errors.Is(err, boom) {
		t.Fatalf("expected collaborator error, got %v", err)
	}
	if s.Committed() || s.Remaining(productA) != 0 || len(s.Ledger().Drafts()) != 1 {
		t.Fatalf("ledger must be untouched after failure")
	}
	key := s.IdempotencyKey()

	store.applyErr = nil
	req, err := s.Commit(context.Background(), store)
	if err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	if req.IdempotencyKey != key {
		t.Fatalf("retry must reuse idempotency key")
	}
}

func TestSession_CommitBlockedWhileResolutionPending(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 2})
	d, _ := s.CreateDraftSale("S1")
	_ = s.Allocate(d, productA, 2)
	if _, err := s.ReportReturn("A-CODE"); err != nil {
		t.Fatalf("ReportReturn: %v", err)
	}

	res := s.Validate()
	if res.OK() || !reflect.DeepEqual(res.PendingCodes, []string{"A-CODE"}) {
		t.Fatalf("validation = %+v", res)
	}
	if _, err := s.Commit(context.Background(), &fakeStore{status: ConsignmentStatusActive}); !errors.Is(err, ErrResolutionPending) {
		t.Fatalf("expected ErrResolutionPending, got %v", err)
	}
	// ledger stays usable while the lookup is outstanding
	s.Ledger().Deallocate(d, productA)
	if s.Remaining(productA) != 2 {
		t.Fatalf("remaining = %d", s.Remaining(productA))
	}
}

func TestSession_ResolutionReleasesOverAllocatedUnits(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 3})
	d, _ := s.CreateDraftSale("S1")
	_ = s.Allocate(d, productA, 3)

	entry, _ := s.ReportReturn("A-CODE")
	released, err := s.ApplyResolution(entry, productA, nil)
	if err != nil {
		t.Fatalf("ApplyResolution: %v", err)
	}
	if len(released) != 1 || released[0].Quantity != 1 {
		t.Fatalf("released = %+v", released)
	}
	if s.Remaining(productA) != 0 || s.Ledger().Allocated(productA) != 2 {
		t.Fatalf("remaining=%d allocated=%d", s.Remaining(productA), s.Ledger().Allocated(productA))
	}
}

func TestSession_ResolvePendingUsesBatchDirectory(t *testing.T) {
	s := newTestSession(t,
		ConsignmentLine{ProductId: productA, QuantityShipped: 4},
		ConsignmentLine{ProductId: productB, QuantityShipped: 4},
	)
	dir := &fakeBatchDirectory{fakeDirectory: fakeDirectory{codes: codesAB}}
	reportAndResolve(t, s, dir, "A-CODE", "B-CODE", "TYPO", "C-CODE")

	if len(dir.batches) != 1 || len(dir.batches[0]) != 4 || dir.calls != 0 {
		t.Fatalf("expected a single batch, got %+v (single calls %d)", dir.batches, dir.calls)
	}
	c := s.Classification()
	if len(c.Unrecognized) != 2 {
		t.Fatalf("unrecognized = %+v", c.Unrecognized)
	}
	line, _ := c.Line(productB)
	if line.QuantityReturned != 1 {
		t.Fatalf("line B = %+v", line)
	}
}

func TestSession_ResolvePendingKeepsEntriesOnDirectoryFailure(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 4})
	if _, err := s.ReportReturn("A-CODE"); err != nil {
		t.Fatalf("ReportReturn: %v", err)
	}
	boom := errors.New("directory unavailable")
	if _, err := s.ResolvePending(context.Background(), &fakeDirectory{fail: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected directory error, got %v", err)
	}
	if len(s.Validate().PendingCodes) != 1 {
		t.Fatalf("entry should still be pending")
	}
}

func TestSession_RemoveReturnRestoresSoldQuantity(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 4})
	reportAndResolve(t, s, &fakeDirectory{codes: codesAB}, "A-CODE", "A-CODE")
	if s.Remaining(productA) != 2 {
		t.Fatalf("remaining = %d", s.Remaining(productA))
	}
	removed, err := s.RemoveReturn(" A-CODE ")
	if err != nil || !removed {
		t.Fatalf("RemoveReturn = %v, %v", removed, err)
	}
	if s.Remaining(productA) != 3 {
		t.Fatalf("remaining = %d; want 3", s.Remaining(productA))
	}
	if removed, _ := s.RemoveReturn("NOPE"); removed {
		t.Fatalf("unknown code should not be removed")
	}
}

func TestSession_DraftCustomerOverride(t *testing.T) {
	s := newTestSession(t, ConsignmentLine{ProductId: productA, QuantityShipped: 2})
	d, _ := s.CreateDraftSale("Friend")
	other := 44
	if err := s.SetDraftCustomer(d, &other); err != nil {
		t.Fatalf("SetDraftCustomer: %v", err)
	}
	_ = s.Allocate(d, productA, 2)
	req, err := s.BuildRequest()
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if *req.Sales[0].CustomerId != 44 {
		t.Fatalf("customer = %d; want 44", *req.Sales[0].CustomerId)
	}
}

type recordingStore struct {
	fakeStore
	keys map[string]bool
}

func (s *recordingStore) ApplySettlement(ctx context.Context, req *SettlementRequest) error {
	if err := s.fakeStore.ApplySettlement(ctx, req); err != nil {
		return err
	}
	s.keys[req.IdempotencyKey] = true
	return nil
}

func (s *recordingStore) SettlementApplied(_ context.Context, key string) (bool, error) {
	return s.keys[key], nil
}

func TestSession_RetryAfterAmbiguousSuccess(t *testing.T) {
	c := mustConsignment(t, ConsignmentLine{ProductId: productA, QuantityShipped: 2})
	first, _ := NewSession(c)
	d, _ := first.CreateDraftSale("S1")
	_ = first.Allocate(d, productA, 2)

	store := &recordingStore{fakeStore: fakeStore{status: ConsignmentStatusActive}, keys: map[string]bool{}}
	if _, err := first.Commit(context.Background(), store); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// The operator never saw the response and rebuilds the session with the
	// same key; the store already closed the consignment.
	reopened := mustConsignment(t, ConsignmentLine{ProductId: productA, QuantityShipped: 2})
	retry, err := NewSession(reopened, WithIdempotencyKey(first.IdempotencyKey()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	d2, _ := retry.CreateDraftSale("S1")
	_ = retry.Allocate(d2, productA, 2)
	if _, err := retry.Commit(context.Background(), store); err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	if len(store.applied) != 1 {
		t.Fatalf("settlement applied %d times; want 1", len(store.applied))
	}
	if !retry.Committed() {
		t.Fatalf("retry session should be committed")
	}
}
