package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settlementHandlerName = "settlement_commit"

// SettlementStore persists settlements for one business.
type SettlementStore struct {
	db         *gorm.DB
	businessId string
	now        func() time.Time
}

var (
	_ settlement.SettlementStore          = (*SettlementStore)(nil)
	_ settlement.SaleRepository           = (*SettlementStore)(nil)
	_ settlement.AppliedSettlementChecker = (*SettlementStore)(nil)
)

func NewSettlementStore(db *gorm.DB, businessId string) *SettlementStore {
	return &SettlementStore{db: db, businessId: businessId, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SettlementStore) Load(ctx context.Context, id int) (*settlement.Consignment, error) {
	row, err := GetConsignment(ctx, s.db, s.businessId, id)
	if err != nil {
		return nil, err
	}
	return row.ToDomain()
}

// Close marks an active consignment closed without settling it.
func (s *SettlementStore) Close(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.lockActive(tx, id)
		if err != nil {
			return err
		}
		return s.markClosed(tx, id)
	})
}

func (s *SettlementStore) CreateMany(ctx context.Context, records []settlement.SaleRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertSales(tx, 0, 0, "", records)
	})
}

func (s *SettlementStore) SettlementApplied(ctx context.Context, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	return IdempotencySucceeded(s.db.WithContext(ctx), s.businessId, settlementHandlerName, idempotencyKey)
}

// ApplySettlement closes the consignment, records the sales and moves
// inventory in one transaction. A request whose idempotency key already
// succeeded is a no-op.
func (s *SettlementStore) ApplySettlement(ctx context.Context, req *settlement.SettlementRequest) error {
	if req == nil {
		return errors.New("settlement request is nil")
	}
	if err := req.Check(); err != nil {
		return err
	}
	logger := config.GetLogger()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IdempotencyKey != "" {
			skip, err := BeginIdempotency(tx, s.businessId, settlementHandlerName, req.IdempotencyKey, 5*time.Minute)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}
		}

		row, err := s.lockActive(tx, req.ConsignmentId)
		if err != nil {
			return err
		}
		if err := checkAgainstShipment(row, req); err != nil {
			return err
		}

		now := s.now()
		if err := s.insertSales(tx, req.ConsignmentId, row.CustomerId, req.IdempotencyKey, req.Sales); err != nil {
			return err
		}
		if err := s.moveInventory(ctx, tx, req, now); err != nil {
			return err
		}
		if err := s.markClosed(tx, req.ConsignmentId); err != nil {
			return err
		}
		if config.PublishSettlementEvents() {
			if err := EnqueueSettlementEvent(ctx, tx, s.businessId, req.ConsignmentId, req.IdempotencyKey, now, req); err != nil {
				return err
			}
		}
		if req.IdempotencyKey != "" {
			if err := MarkIdempotencySucceeded(tx, s.businessId, settlementHandlerName, req.IdempotencyKey); err != nil {
				return err
			}
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":          "SettlementStore",
				"business_id":    s.businessId,
				"consignment_id": req.ConsignmentId,
				"sales":          len(req.Sales),
				"returned_units": len(req.ReturnedProductIds),
			}).Info("settlement applied")
		}
		return nil
	})
}

// lockActive reads the consignment FOR UPDATE and fails with
// ErrConsignmentClosed unless it is still active.
func (s *SettlementStore) lockActive(tx *gorm.DB, id int) (*Consignment, error) {
	var row Consignment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Details").
		Where("business_id = ? AND id = ?", s.businessId, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, settlement.NewNotFoundError("consignment", id)
		}
		return nil, err
	}
	if row.Status != ConsignmentStatusActive {
		return nil, fmt.Errorf("consignment %d: %w", id, settlement.ErrConsignmentClosed)
	}
	return &row, nil
}

func (s *SettlementStore) markClosed(tx *gorm.DB, id int) error {
	now := s.now()
	return tx.Model(&Consignment{}).
		Where("business_id = ? AND id = ? AND status = ?", s.businessId, id, ConsignmentStatusActive).
		Updates(map[string]interface{}{"status": ConsignmentStatusClosed, "closed_at": &now}).Error
}

// checkAgainstShipment rejects a request built from a consignment whose
// lines changed since the session loaded it.
func checkAgainstShipment(row *Consignment, req *settlement.SettlementRequest) error {
	shipped := make(map[int]int)
	for _, d := range row.Details {
		shipped[d.ProductId] += d.Qty
	}
	sold := req.SoldByProduct()
	returned := req.ReturnedByProduct()
	if len(req.Lines) != len(shipped) {
		return &settlement.IncompleteAllocationError{Reason: fmt.Sprintf("consignment %d lines changed", row.ID)}
	}
	for _, line := range req.Lines {
		if shipped[line.ProductId] != line.QuantityShipped || sold[line.ProductId]+returned[line.ProductId] != shipped[line.ProductId] {
			return &settlement.IncompleteAllocationError{Reason: fmt.Sprintf("consignment %d product %d no longer matches shipment", row.ID, line.ProductId)}
		}
	}
	return nil
}

func (s *SettlementStore) insertSales(tx *gorm.DB, consignmentId int, defaultCustomerId int, idempotencyKey string, records []settlement.SaleRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]Sale, 0, len(records))
	for _, r := range records {
		if r.Quantity <= 0 {
			return fmt.Errorf("product %d: %w", r.ProductId, settlement.ErrInvalidQuantity)
		}
		row := Sale{
			BusinessId:     s.businessId,
			ConsignmentId:  consignmentId,
			CustomerId:     utils.DereferencePtr(r.CustomerId, defaultCustomerId),
			ProductId:      r.ProductId,
			Qty:            r.Quantity,
			Note:           r.Note,
			DraftSaleId:    r.DraftSaleId,
			DraftName:      r.DraftName,
			IdempotencyKey: idempotencyKey,
			SaleDate:       now,
		}
		if r.ValueTotal != nil {
			row.ValueTotal = decimal.NewNullDecimal(*r.ValueTotal)
		}
		rows = append(rows, row)
	}
	return tx.CreateInBatches(&rows, 100).Error
}

// moveInventory puts returned units back in stock and takes sold units out
// of the consigned pool.
func (s *SettlementStore) moveInventory(ctx context.Context, tx *gorm.DB, req *settlement.SettlementRequest, at time.Time) error {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	returned := req.ReturnedByProduct()
	sold := req.SoldByProduct()

	var moves []InventoryMovement
	for _, line := range req.Lines {
		r := decimal.NewFromInt(int64(returned[line.ProductId]))
		q := decimal.NewFromInt(int64(sold[line.ProductId]))
		if r.IsZero() && q.IsZero() {
			continue
		}
		if err := tx.Model(&Product{}).
			Where("business_id = ? AND id = ?", s.businessId, line.ProductId).
			Updates(map[string]interface{}{
				"stock_qty":     gorm.Expr("stock_qty + ?", r),
				"consigned_qty": gorm.Expr("consigned_qty - ?", r.Add(q)),
			}).Error; err != nil {
			return err
		}
		if r.IsPositive() {
			moves = append(moves,
				newMovement(s.businessId, line.ProductId, MovementLocationConsigned, r.Neg(), MovementDocTypeConsignmentReturn, req.ConsignmentId, at, cid),
				newMovement(s.businessId, line.ProductId, MovementLocationStock, r, MovementDocTypeConsignmentReturn, req.ConsignmentId, at, cid),
			)
		}
		if q.IsPositive() {
			moves = append(moves,
				newMovement(s.businessId, line.ProductId, MovementLocationConsigned, q.Neg(), MovementDocTypeConsignmentSale, req.ConsignmentId, at, cid),
			)
		}
	}
	if len(moves) == 0 {
		return nil
	}
	return tx.Create(&moves).Error
}
