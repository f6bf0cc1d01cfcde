// Package settlement reconciles a customer consignment against the units the
// customer returned, lets an operator split the sold remainder across draft
// sales, and produces the request that closes the consignment.
//
// Nothing in this package performs I/O except through the ports declared in
// ports.go; a Session can be discarded at any time without side effects.
package settlement

import (
	"fmt"
	"time"
)

type ConsignmentStatus string

const (
	ConsignmentStatusActive ConsignmentStatus = "Active"
	ConsignmentStatusClosed ConsignmentStatus = "Closed"
)

type ConsignmentLine struct {
	ProductId       int `json:"product_id"`
	QuantityShipped int `json:"quantity_shipped"`
}

// Consignment is the shipped-quantity ledger of goods sent to a customer.
// It has no mutators; closing happens through the store on commit.
type Consignment struct {
	ID         int               `json:"id"`
	BusinessId string            `json:"business_id"`
	CustomerId int               `json:"customer_id"`
	ShippedAt  time.Time         `json:"shipped_at"`
	Status     ConsignmentStatus `json:"status"`
	Notes      string            `json:"notes"`
	Lines      []ConsignmentLine `json:"lines"`

	shipped map[int]int
	order   []int
}

// NewConsignment checks every line ships at least one unit and indexes the
// lines by product. Duplicate product lines are summed.
func NewConsignment(id int, customerId int, shippedAt time.Time, status ConsignmentStatus, lines []ConsignmentLine) (*Consignment, error) {
	if status == "" {
		status = ConsignmentStatusActive
	}
	if status != ConsignmentStatusActive && status != ConsignmentStatusClosed {
		return nil, fmt.Errorf("consignment %d: invalid status %q", id, status)
	}
	c := &Consignment{
		ID:         id,
		CustomerId: customerId,
		ShippedAt:  shippedAt,
		Status:     status,
		Lines:      make([]ConsignmentLine, 0, len(lines)),
		shipped:    make(map[int]int, len(lines)),
	}
	for i, line := range lines {
		if line.ProductId <= 0 {
			return nil, fmt.Errorf("consignment %d line %d: invalid product id %d", id, i, line.ProductId)
		}
		if line.QuantityShipped <= 0 {
			return nil, fmt.Errorf("consignment %d line %d (product %d): %w", id, i, line.ProductId, ErrInvalidQuantity)
		}
		if _, seen := c.shipped[line.ProductId]; !seen {
			c.order = append(c.order, line.ProductId)
		}
		c.shipped[line.ProductId] += line.QuantityShipped
		c.Lines = append(c.Lines, line)
	}
	return c, nil
}

func (c *Consignment) IsActive() bool {
	return c.Status == ConsignmentStatusActive
}

func (c *Consignment) TotalShipped(productId int) (int, error) {
	qty, ok := c.shipped[productId]
	if !ok {
		return 0, notFound("product", productId)
	}
	return qty, nil
}

func (c *Consignment) TotalUnits() int {
	total := 0
	for _, qty := range c.shipped {
		total += qty
	}
	return total
}

// ProductIds returns each shipped product once, in the order first listed.
func (c *Consignment) ProductIds() []int {
	ids := make([]int, len(c.order))
	copy(ids, c.order)
	return ids
}

func (c *Consignment) hasProduct(productId int) bool {
	_, ok := c.shipped[productId]
	return ok
}
