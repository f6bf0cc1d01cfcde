package settlement

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrOverAllocation       = errors.New("allocation exceeds remaining sold quantity")
	ErrIncompleteAllocation = errors.New("settlement is not fully allocated")
	ErrInvalidQuantity      = errors.New("quantity must be greater than zero")
	ErrInvalidAllocation    = errors.New("invalid allocation")
	ErrConsignmentClosed    = errors.New("consignment is closed")
	ErrResolutionPending    = errors.New("return code resolution in progress")
	ErrSessionCommitted     = errors.New("settlement session already committed")
)

// NotFoundError names the missing product, consignment, draft sale or code.
type NotFoundError struct {
	Kind string
	Id   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func NewNotFoundError(kind string, id any) *NotFoundError {
	return &NotFoundError{Kind: kind, Id: fmt.Sprint(id)}
}

func notFound(kind string, id any) *NotFoundError {
	return NewNotFoundError(kind, id)
}

type OverAllocationError struct {
	DraftSaleId string
	ProductId   int
	Requested   int
	Remaining   int
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("product %d: cannot allocate %d to draft %s, only %d remaining",
		e.ProductId, e.Requested, e.DraftSaleId, e.Remaining)
}

func (e *OverAllocationError) Unwrap() error {
	return ErrOverAllocation
}

// IncompleteAllocationError is returned by Commit when validation fails or the
// consignment is no longer active.
type IncompleteAllocationError struct {
	Violations []Violation
	Reason     string
}

func (e *IncompleteAllocationError) Error() string {
	if e.Reason != "" {
		return ErrIncompleteAllocation.Error() + ": " + e.Reason
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("product %d remaining %d", v.ProductId, v.Remaining))
	}
	return ErrIncompleteAllocation.Error() + ": " + strings.Join(parts, ", ")
}

func (e *IncompleteAllocationError) Unwrap() error {
	return ErrIncompleteAllocation
}

// UnrecognizedIdentifierWarning is reported for a return code that did not
// resolve to any product shipped on the consignment.
type UnrecognizedIdentifierWarning struct {
	Code      string `json:"code"`
	ProductId int    `json:"product_id,omitempty"`
	Pending   bool   `json:"pending"`
}

func (w UnrecognizedIdentifierWarning) String() string {
	switch {
	case w.Pending:
		return fmt.Sprintf("code %q is still being resolved", w.Code)
	case w.ProductId > 0:
		return fmt.Sprintf("code %q is product %d, which is not on this consignment", w.Code, w.ProductId)
	default:
		return fmt.Sprintf("code %q does not match any product", w.Code)
	}
}

type OverReturnWarning struct {
	ProductId int `json:"product_id"`
	Shipped   int `json:"shipped"`
	Reported  int `json:"reported"`
	Excess    int `json:"excess"`
}

func (w OverReturnWarning) String() string {
	return fmt.Sprintf("product %d: %d returns reported but only %d shipped", w.ProductId, w.Reported, w.Shipped)
}
