package settlement

import "context"

// ProductDirectory resolves a scanned or typed code to a product id. A code
// that matches nothing yields an error wrapping ErrNotFound.
type ProductDirectory interface {
	ResolveByCode(ctx context.Context, code string) (int, error)
}

type ConsignmentRepository interface {
	Load(ctx context.Context, id int) (*Consignment, error)
	Close(ctx context.Context, id int) error
}

type SaleRepository interface {
	CreateMany(ctx context.Context, records []SaleRecord) error
}

// SettlementStore applies a SettlementRequest as one all-or-nothing write:
// close the consignment, create the sales and adjust inventory. It must
// report a consignment that is no longer active with ErrConsignmentClosed.
type SettlementStore interface {
	ConsignmentRepository
	ApplySettlement(ctx context.Context, req *SettlementRequest) error
}

// AppliedSettlementChecker is implemented by stores that remember idempotency
// keys. Commit consults it first so a retry after an ambiguous failure that
// actually succeeded is reported as success instead of a stale consignment.
type AppliedSettlementChecker interface {
	SettlementApplied(ctx context.Context, idempotencyKey string) (bool, error)
}
