package settlement

type Violation struct {
	ProductId int `json:"product_id"`
	Sold      int `json:"sold"`
	Allocated int `json:"allocated"`
	Remaining int `json:"remaining"`
}

type ValidationResult struct {
	Violations   []Violation `json:"violations"`
	PendingCodes []string    `json:"pending_codes,omitempty"`
}

func (r ValidationResult) OK() bool {
	return len(r.Violations) == 0 && len(r.PendingCodes) == 0
}

// Validate reports every product with sold units whose remaining quantity is
// not exactly zero. It never mutates the ledger.
func (l *Ledger) Validate() ValidationResult {
	var result ValidationResult
	for _, productId := range l.products {
		sold := l.sold[productId]
		if sold <= 0 {
			continue
		}
		if remaining := l.Remaining(productId); remaining != 0 {
			result.Violations = append(result.Violations, Violation{
				ProductId: productId,
				Sold:      sold,
				Allocated: l.allocated[productId],
				Remaining: remaining,
			})
		}
	}
	return result
}
