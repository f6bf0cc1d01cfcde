package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product carries two stock counters: units on hand and units out with
// customers on consignment.
type Product struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	Name         string          `gorm:"size:100;not null" json:"name" validate:"required,max=100"`
	Sku          string          `gorm:"index;size:100;not null" json:"sku" validate:"required,max=100"`
	Barcode      string          `gorm:"index;size:100" json:"barcode" validate:"max=100"`
	SalesPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	StockQty     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_qty"`
	ConsignedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"consigned_qty"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
