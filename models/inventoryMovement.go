package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryMovement is an append-only stock ledger row. QtyDelta applies to
// the counter named by Location.
type InventoryMovement struct {
	ID            string           `gorm:"size:36;primary_key" json:"id"`
	BusinessId    string           `gorm:"index:idx_inv_move_biz_item_date,priority:1;not null" json:"business_id"`
	ProductId     int              `gorm:"index:idx_inv_move_biz_item_date,priority:2;not null" json:"product_id"`
	Location      MovementLocation `gorm:"type:enum('STOCK','CONSIGNED');not null" json:"location"`
	QtyDelta      decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"qty_delta"`
	DocType       MovementDocType  `gorm:"type:enum('CO','CR','CS');not null" json:"doc_type"`
	DocId         int              `gorm:"index;not null" json:"doc_id"`
	EffectiveDate time.Time        `gorm:"index:idx_inv_move_biz_item_date,priority:3;not null" json:"effective_date"`
	CorrelationId string           `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
}
