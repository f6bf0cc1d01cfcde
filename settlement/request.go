package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type SaleRecord struct {
	ProductId   int              `json:"product_id"`
	Quantity    int              `json:"quantity"`
	CustomerId  *int             `json:"customer_id,omitempty"`
	ValueTotal  *decimal.Decimal `json:"value_total,omitempty"`
	Note        string           `json:"note,omitempty"`
	DraftSaleId string           `json:"draft_sale_id"`
	DraftName   string           `json:"draft_name"`
}

// SettlementRequest is everything the store needs to close a consignment.
// IdempotencyKey is stable for the lifetime of a session so a retried commit
// can be recognised.
type SettlementRequest struct {
	ConsignmentId      int          `json:"consignment_id"`
	BusinessId         string       `json:"business_id"`
	CustomerId         int          `json:"customer_id"`
	IdempotencyKey     string       `json:"idempotency_key"`
	Lines              []LineResult `json:"lines"`
	ReturnedProductIds []int        `json:"returned_product_ids"`
	Sales              []SaleRecord `json:"sales"`
}

// SoldByProduct sums sale quantities per product.
func (r *SettlementRequest) SoldByProduct() map[int]int {
	out := make(map[int]int)
	for _, s := range r.Sales {
		out[s.ProductId] += s.Quantity
	}
	return out
}

// ReturnedByProduct counts returned units per product.
func (r *SettlementRequest) ReturnedByProduct() map[int]int {
	out := make(map[int]int)
	for _, id := range r.ReturnedProductIds {
		out[id]++
	}
	return out
}

// Check verifies the request is internally consistent: for every line, sold
// units in Sales and returned units add up to the shipped quantity.
func (r *SettlementRequest) Check() error {
	sold := r.SoldByProduct()
	returned := r.ReturnedByProduct()
	seen := make(map[int]bool, len(r.Lines))
	for _, line := range r.Lines {
		seen[line.ProductId] = true
		if returned[line.ProductId] != line.QuantityReturned {
			return fmt.Errorf("product %d: %d returned units listed, expected %d", line.ProductId, returned[line.ProductId], line.QuantityReturned)
		}
		if sold[line.ProductId] != line.QuantitySold {
			return fmt.Errorf("product %d: %d sold units listed, expected %d", line.ProductId, sold[line.ProductId], line.QuantitySold)
		}
		if line.QuantityReturned+line.QuantitySold != line.QuantityShipped {
			return fmt.Errorf("product %d: returned %d + sold %d != shipped %d", line.ProductId, line.QuantityReturned, line.QuantitySold, line.QuantityShipped)
		}
	}
	for productId := range sold {
		if !seen[productId] {
			return fmt.Errorf("product %d is not on consignment %d", productId, r.ConsignmentId)
		}
	}
	for _, s := range r.Sales {
		if s.Quantity <= 0 {
			return fmt.Errorf("product %d: %w", s.ProductId, ErrInvalidQuantity)
		}
	}
	return nil
}
