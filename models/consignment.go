package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var validate = validator.New()

type Consignment struct {
	ID         int                 `gorm:"primary_key" json:"id"`
	BusinessId string              `gorm:"index;not null" json:"business_id"`
	CustomerId int                 `gorm:"index;not null" json:"customer_id"`
	ShippedAt  time.Time           `gorm:"index;not null" json:"shipped_at"`
	Status     ConsignmentStatus   `gorm:"type:enum('A','C');default:A;not null" json:"status"`
	Notes      string              `gorm:"type:text" json:"notes"`
	ClosedAt   *time.Time          `json:"closed_at"`
	Details    []ConsignmentDetail `gorm:"foreignKey:ConsignmentId" json:"details"`
	CreatedAt  time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type ConsignmentDetail struct {
	ID            int `gorm:"primary_key" json:"id"`
	ConsignmentId int `gorm:"index;not null" json:"consignment_id"`
	ProductId     int `gorm:"index;not null" json:"product_id"`
	Qty           int `gorm:"not null" json:"qty"`
}

type NewConsignment struct {
	CustomerId int                    `json:"customer_id" validate:"required,gt=0"`
	ShippedAt  time.Time              `json:"shipped_at" validate:"required"`
	Notes      string                 `json:"notes" validate:"max=1000"`
	Details    []NewConsignmentDetail `json:"details" validate:"required,min=1,dive"`
}

type NewConsignmentDetail struct {
	ProductId int `json:"product_id" validate:"required,gt=0"`
	Qty       int `json:"qty" validate:"required,gt=0"`
}

// ToDomain converts the row into a settlement consignment. Details must be
// preloaded.
func (c *Consignment) ToDomain() (*settlement.Consignment, error) {
	lines := make([]settlement.ConsignmentLine, 0, len(c.Details))
	for _, d := range c.Details {
		lines = append(lines, settlement.ConsignmentLine{ProductId: d.ProductId, QuantityShipped: d.Qty})
	}
	out, err := settlement.NewConsignment(c.ID, c.CustomerId, c.ShippedAt, c.Status.ToDomain(), lines)
	if err != nil {
		return nil, err
	}
	out.BusinessId = c.BusinessId
	out.Notes = c.Notes
	return out, nil
}

func GetConsignment(ctx context.Context, db *gorm.DB, businessId string, id int) (*Consignment, error) {
	var row Consignment
	err := db.WithContext(ctx).
		Preload("Details", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, settlement.NewNotFoundError("consignment", id)
		}
		return nil, err
	}
	return &row, nil
}

// CreateConsignment ships goods to a customer: the consignment and its lines
// are stored, and each product's units move from stock to the consigned pool.
func CreateConsignment(ctx context.Context, db *gorm.DB, businessId string, input *NewConsignment) (*Consignment, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}

	productIds := make([]int, 0, len(input.Details))
	for _, d := range input.Details {
		productIds = append(productIds, d.ProductId)
	}
	productIds = utils.UniqueSlice(productIds)

	row := Consignment{
		BusinessId: businessId,
		CustomerId: input.CustomerId,
		ShippedAt:  input.ShippedAt,
		Status:     ConsignmentStatusActive,
		Notes:      input.Notes,
	}
	for _, d := range input.Details {
		row.Details = append(row.Details, ConsignmentDetail{ProductId: d.ProductId, Qty: d.Qty})
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Customer{}).Where("business_id = ? AND id = ?", businessId, input.CustomerId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return settlement.NewNotFoundError("customer", input.CustomerId)
		}
		var found []int
		if err := tx.Model(&Product{}).Where("business_id = ? AND id IN ?", businessId, productIds).Pluck("id", &found).Error; err != nil {
			return err
		}
		if missing := missingIds(productIds, found); len(missing) > 0 {
			return settlement.NewNotFoundError("product", missing)
		}

		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		for _, d := range row.Details {
			qty := decimal.NewFromInt(int64(d.Qty))
			if err := tx.Model(&Product{}).
				Where("business_id = ? AND id = ?", businessId, d.ProductId).
				Updates(map[string]interface{}{
					"stock_qty":     gorm.Expr("stock_qty - ?", qty),
					"consigned_qty": gorm.Expr("consigned_qty + ?", qty),
				}).Error; err != nil {
				return err
			}
			moves := []InventoryMovement{
				newMovement(businessId, d.ProductId, MovementLocationStock, qty.Neg(), MovementDocTypeConsignmentOut, row.ID, row.ShippedAt, cid),
				newMovement(businessId, d.ProductId, MovementLocationConsigned, qty, MovementDocTypeConsignmentOut, row.ID, row.ShippedAt, cid),
			}
			if err := tx.Create(&moves).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// missingIds returns the ids of want that are not in found, in want order.
func missingIds(want []int, found []int) []int {
	seen := make(map[int]bool, len(found))
	for _, id := range found {
		seen[id] = true
	}
	var missing []int
	for _, id := range want {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func newMovement(businessId string, productId int, location MovementLocation, delta decimal.Decimal, docType MovementDocType, docId int, at time.Time, correlationId string) InventoryMovement {
	return InventoryMovement{
		ID:            uuid.NewString(),
		BusinessId:    businessId,
		ProductId:     productId,
		Location:      location,
		QtyDelta:      delta,
		DocType:       docType,
		DocId:         docId,
		EffectiveDate: at,
		CorrelationId: correlationId,
	}
}
