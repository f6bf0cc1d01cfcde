package settlement

// LineResult is the derived per-product outcome of a consignment and a return
// report. QuantityReturned + QuantitySold == QuantityShipped always holds.
type LineResult struct {
	ProductId        int `json:"product_id"`
	QuantityShipped  int `json:"quantity_shipped"`
	QuantityReturned int `json:"quantity_returned"`
	QuantitySold     int `json:"quantity_sold"`
}

type Classification struct {
	Lines        []LineResult                    `json:"lines"`
	Unrecognized []UnrecognizedIdentifierWarning `json:"unrecognized"`
	OverReturns  []OverReturnWarning             `json:"over_returns"`
}

func (c Classification) HasWarnings() bool {
	return len(c.Unrecognized) > 0 || len(c.OverReturns) > 0
}

func (c Classification) Line(productId int) (LineResult, bool) {
	for _, l := range c.Lines {
		if l.ProductId == productId {
			return l, true
		}
	}
	return LineResult{}, false
}

// ReturnedProductIds lists one product id per returned unit, in consignment order.
func (c Classification) ReturnedProductIds() []int {
	var ids []int
	for _, l := range c.Lines {
		for i := 0; i < l.QuantityReturned; i++ {
			ids = append(ids, l.ProductId)
		}
	}
	return ids
}

func (c Classification) soldByProduct() map[int]int {
	sold := make(map[int]int, len(c.Lines))
	for _, l := range c.Lines {
		sold[l.ProductId] = l.QuantitySold
	}
	return sold
}

// Classify splits every shipped quantity into returned and sold units. Entries
// that are pending, unresolved, or resolve to a product outside the consignment
// are reported as unrecognized and do not count. Reports beyond the shipped
// quantity are capped and flagged.
func Classify(c *Consignment, entries []ReturnEntry) Classification {
	counts := make(map[int]int)
	var result Classification
	for _, e := range entries {
		switch {
		case e.State == ReturnEntryPending:
			result.Unrecognized = append(result.Unrecognized, UnrecognizedIdentifierWarning{Code: e.Code, Pending: true})
		case e.State != ReturnEntryResolved || e.ProductId <= 0:
			result.Unrecognized = append(result.Unrecognized, UnrecognizedIdentifierWarning{Code: e.Code})
		case !c.hasProduct(e.ProductId):
			result.Unrecognized = append(result.Unrecognized, UnrecognizedIdentifierWarning{Code: e.Code, ProductId: e.ProductId})
		default:
			counts[e.ProductId]++
		}
	}

	result.Lines = make([]LineResult, 0, len(c.order))
	for _, productId := range c.order {
		shipped := c.shipped[productId]
		reported := counts[productId]
		returned := reported
		if returned > shipped {
			returned = shipped
			result.OverReturns = append(result.OverReturns, OverReturnWarning{
				ProductId: productId,
				Shipped:   shipped,
				Reported:  reported,
				Excess:    reported - shipped,
			})
		}
		result.Lines = append(result.Lines, LineResult{
			ProductId:        productId,
			QuantityShipped:  shipped,
			QuantityReturned: returned,
			QuantitySold:     shipped - returned,
		})
	}
	return result
}
