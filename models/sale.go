package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sale is one settled allocation line. Lines of the same draft share
// DraftSaleId so they can be regrouped into a customer invoice.
type Sale struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	BusinessId     string              `gorm:"index;not null" json:"business_id"`
	ConsignmentId  int                 `gorm:"index;not null" json:"consignment_id"`
	CustomerId     int                 `gorm:"index;not null" json:"customer_id"`
	ProductId      int                 `gorm:"index;not null" json:"product_id"`
	Qty            int                 `gorm:"not null" json:"qty"`
	ValueTotal     decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"value_total"`
	Note           string              `gorm:"size:255" json:"note"`
	DraftSaleId    string              `gorm:"size:36;index;not null" json:"draft_sale_id"`
	DraftName      string              `gorm:"size:100" json:"draft_name"`
	IdempotencyKey string              `gorm:"size:64;index" json:"idempotency_key"`
	SaleDate       time.Time           `gorm:"index;not null" json:"sale_date"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
}
