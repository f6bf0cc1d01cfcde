package settlement

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

type SaleAllocation struct {
	ProductId int              `json:"product_id" validate:"gt=0"`
	Quantity  int              `json:"quantity" validate:"gt=0"`
	UnitValue *decimal.Decimal `json:"unit_value,omitempty"`
	Note      string           `json:"note,omitempty" validate:"max=255"`
}

// NewSaleAllocation builds an allocation line, rejecting non-positive ids and
// quantities and negative unit values.
func NewSaleAllocation(productId int, quantity int, unitValue *decimal.Decimal, note string) (SaleAllocation, error) {
	a := SaleAllocation{ProductId: productId, Quantity: quantity, UnitValue: unitValue, Note: note}
	if quantity <= 0 {
		return SaleAllocation{}, ErrInvalidQuantity
	}
	if err := validate.Struct(a); err != nil {
		return SaleAllocation{}, fmt.Errorf("%w: %v", ErrInvalidAllocation, err)
	}
	if unitValue != nil && unitValue.IsNegative() {
		return SaleAllocation{}, fmt.Errorf("%w: unit value %s is negative", ErrInvalidAllocation, unitValue)
	}
	return a, nil
}

// ValueTotal is UnitValue × Quantity, or nil when no unit value is set.
func (a SaleAllocation) ValueTotal() *decimal.Decimal {
	if a.UnitValue == nil {
		return nil
	}
	total := a.UnitValue.Mul(decimal.NewFromInt(int64(a.Quantity)))
	return &total
}

type DraftSale struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	CustomerId  *int             `json:"customer_id,omitempty"`
	Allocations []SaleAllocation `json:"allocations"`
}

func (d *DraftSale) allocationIndex(productId int) int {
	for i, a := range d.Allocations {
		if a.ProductId == productId {
			return i
		}
	}
	return -1
}

func (d *DraftSale) clone() DraftSale {
	out := *d
	out.Allocations = make([]SaleAllocation, len(d.Allocations))
	copy(out.Allocations, d.Allocations)
	if d.CustomerId != nil {
		id := *d.CustomerId
		out.CustomerId = &id
	}
	return out
}

// ReleasedAllocation reports quantity taken back from a draft because the
// product's sold quantity dropped below what was already allocated.
type ReleasedAllocation struct {
	DraftSaleId string `json:"draft_sale_id"`
	ProductId   int    `json:"product_id"`
	Quantity    int    `json:"quantity"`
}

// Ledger tracks how each product's sold quantity is split across draft sales.
// For every product, Remaining + Allocated == sold and Remaining >= 0.
type Ledger struct {
	sold      map[int]int
	allocated map[int]int
	products  []int
	drafts    []*DraftSale
	seq       int
}

func NewLedger(lines []LineResult) *Ledger {
	l := &Ledger{
		sold:      make(map[int]int, len(lines)),
		allocated: make(map[int]int, len(lines)),
	}
	for _, line := range lines {
		l.products = append(l.products, line.ProductId)
		l.sold[line.ProductId] = line.QuantitySold
	}
	return l
}

// UpdateSold applies a fresh classification. Where a product's sold quantity
// falls below its allocated total, the excess is released from the most
// recently created drafts first.
func (l *Ledger) UpdateSold(lines []LineResult) []ReleasedAllocation {
	var released []ReleasedAllocation
	for _, line := range lines {
		if _, ok := l.sold[line.ProductId]; !ok {
			l.products = append(l.products, line.ProductId)
		}
		l.sold[line.ProductId] = line.QuantitySold
		excess := l.allocated[line.ProductId] - line.QuantitySold
		for i := len(l.drafts) - 1; i >= 0 && excess > 0; i-- {
			d := l.drafts[i]
			idx := d.allocationIndex(line.ProductId)
			if idx < 0 {
				continue
			}
			take := d.Allocations[idx].Quantity
			if take > excess {
				take = excess
			}
			d.Allocations[idx].Quantity -= take
			if d.Allocations[idx].Quantity == 0 {
				d.Allocations = append(d.Allocations[:idx], d.Allocations[idx+1:]...)
			}
			l.allocated[line.ProductId] -= take
			excess -= take
			released = append(released, ReleasedAllocation{DraftSaleId: d.ID, ProductId: line.ProductId, Quantity: take})
		}
	}
	return released
}

func (l *Ledger) CreateDraftSale(name string) string {
	l.seq++
	if name == "" {
		name = "Sale " + strconv.Itoa(l.seq)
	}
	d := &DraftSale{ID: uuid.NewString(), Name: name}
	l.drafts = append(l.drafts, d)
	return d.ID
}

// RemoveDraftSale drops the draft and returns its quantities to the pool.
// Unknown ids are ignored.
func (l *Ledger) RemoveDraftSale(id string) {
	for i, d := range l.drafts {
		if d.ID != id {
			continue
		}
		for _, a := range d.Allocations {
			l.allocated[a.ProductId] -= a.Quantity
		}
		l.drafts = append(l.drafts[:i], l.drafts[i+1:]...)
		return
	}
}

func (l *Ledger) RenameDraftSale(id string, name string) error {
	d, err := l.draft(id)
	if err != nil {
		return err
	}
	d.Name = name
	return nil
}

// SetDraftCustomer overrides the consignment customer for one draft. A nil
// customer id restores the default.
func (l *Ledger) SetDraftCustomer(id string, customerId *int) error {
	d, err := l.draft(id)
	if err != nil {
		return err
	}
	if customerId != nil && *customerId <= 0 {
		return fmt.Errorf("draft sale %s: invalid customer id %d", id, *customerId)
	}
	d.CustomerId = customerId
	return nil
}

// Allocate adds quantity units of a product to a draft. The call is rejected
// in full, leaving the ledger untouched, when it would exceed Remaining.
func (l *Ledger) Allocate(draftId string, productId int, quantity int) error {
	return l.AllocateWithValue(draftId, productId, quantity, nil, "")
}

// AllocateWithValue is Allocate plus the line's unit value and note, applied
// together. A nil unitValue or empty note keeps what the line already has.
func (l *Ledger) AllocateWithValue(draftId string, productId int, quantity int, unitValue *decimal.Decimal, note string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	d, err := l.draft(draftId)
	if err != nil {
		return err
	}
	if _, ok := l.sold[productId]; !ok {
		return notFound("product", productId)
	}

	var current SaleAllocation
	idx := d.allocationIndex(productId)
	if idx >= 0 {
		current = d.Allocations[idx]
	}
	if unitValue == nil {
		unitValue = current.UnitValue
	}
	if note == "" {
		note = current.Note
	}
	line, err := NewSaleAllocation(productId, current.Quantity+quantity, unitValue, note)
	if err != nil {
		return err
	}

	remaining := l.Remaining(productId)
	if quantity > remaining {
		return &OverAllocationError{DraftSaleId: draftId, ProductId: productId, Requested: quantity, Remaining: remaining}
	}
	if idx >= 0 {
		d.Allocations[idx] = line
	} else {
		d.Allocations = append(d.Allocations, line)
	}
	l.allocated[productId] += quantity
	return l.verify(productId)
}

// SetAllocationValue attaches a unit value and note to an existing allocation line.
func (l *Ledger) SetAllocationValue(draftId string, productId int, unitValue *decimal.Decimal, note string) error {
	d, err := l.draft(draftId)
	if err != nil {
		return err
	}
	idx := d.allocationIndex(productId)
	if idx < 0 {
		return notFound("allocation", fmt.Sprintf("%s/%d", draftId, productId))
	}
	a, err := NewSaleAllocation(productId, d.Allocations[idx].Quantity, unitValue, note)
	if err != nil {
		return err
	}
	d.Allocations[idx] = a
	return nil
}

// Deallocate removes the product's line from the draft. Missing lines are ignored.
func (l *Ledger) Deallocate(draftId string, productId int) {
	d, err := l.draft(draftId)
	if err != nil {
		return
	}
	idx := d.allocationIndex(productId)
	if idx < 0 {
		return
	}
	l.allocated[productId] -= d.Allocations[idx].Quantity
	d.Allocations = append(d.Allocations[:idx], d.Allocations[idx+1:]...)
}

func (l *Ledger) Remaining(productId int) int {
	return l.sold[productId] - l.allocated[productId]
}

func (l *Ledger) Allocated(productId int) int {
	return l.allocated[productId]
}

func (l *Ledger) Sold(productId int) int {
	return l.sold[productId]
}

func (l *Ledger) Products() []int {
	out := make([]int, len(l.products))
	copy(out, l.products)
	return out
}

// Drafts returns copies of the drafts in creation order.
func (l *Ledger) Drafts() []DraftSale {
	out := make([]DraftSale, 0, len(l.drafts))
	for _, d := range l.drafts {
		out = append(out, d.clone())
	}
	return out
}

func (l *Ledger) Draft(id string) (DraftSale, error) {
	d, err := l.draft(id)
	if err != nil {
		return DraftSale{}, err
	}
	return d.clone(), nil
}

func (l *Ledger) draft(id string) (*DraftSale, error) {
	for _, d := range l.drafts {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, notFound("draft sale", id)
}

func (l *Ledger) verify(productId int) error {
	if r := l.Remaining(productId); r < 0 {
		return fmt.Errorf("ledger invariant violated: product %d remaining %d", productId, r)
	}
	return nil
}
