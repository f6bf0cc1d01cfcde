package models

import (
	"context"
	"sort"

	"gorm.io/gorm"
)

// SettlementImbalance is a closed consignment line where shipped units are
// not fully accounted for by sales and returns.
type SettlementImbalance struct {
	ConsignmentId int `json:"consignment_id"`
	ProductId     int `json:"product_id"`
	Shipped       int `json:"shipped"`
	Sold          int `json:"sold"`
	Returned      int `json:"returned"`
}

func (i SettlementImbalance) Difference() int {
	return i.Shipped - i.Sold - i.Returned
}

type auditKey struct {
	ConsignmentId int
	ProductId     int
}

type auditRow struct {
	ConsignmentId int
	ProductId     int
	Qty           int
}

// AuditClosedConsignments checks shipped = sold + returned for every product
// of every closed consignment of the business. consignmentId 0 audits all of
// them. It returns the imbalances and the number of consignments checked.
func AuditClosedConsignments(ctx context.Context, db *gorm.DB, businessId string, consignmentId int) ([]SettlementImbalance, int, error) {
	db = db.WithContext(ctx)

	var ids []int
	q := db.Model(&Consignment{}).Where("business_id = ? AND status = ?", businessId, ConsignmentStatusClosed)
	if consignmentId > 0 {
		q = q.Where("id = ?", consignmentId)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}

	var shipped, sold, returned []auditRow
	if err := db.Model(&ConsignmentDetail{}).
		Select("consignment_id, product_id, SUM(qty) AS qty").
		Where("consignment_id IN ?", ids).
		Group("consignment_id, product_id").
		Scan(&shipped).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Model(&Sale{}).
		Select("consignment_id, product_id, SUM(qty) AS qty").
		Where("business_id = ? AND consignment_id IN ?", businessId, ids).
		Group("consignment_id, product_id").
		Scan(&sold).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Model(&InventoryMovement{}).
		Select("doc_id AS consignment_id, product_id, CAST(SUM(qty_delta) AS SIGNED) AS qty").
		Where("business_id = ? AND doc_type = ? AND location = ? AND doc_id IN ?",
			businessId, MovementDocTypeConsignmentReturn, MovementLocationStock, ids).
		Group("doc_id, product_id").
		Scan(&returned).Error; err != nil {
		return nil, 0, err
	}
	return findImbalances(shipped, sold, returned), len(ids), nil
}

func findImbalances(shipped, sold, returned []auditRow) []SettlementImbalance {
	totals := make(map[auditKey]*SettlementImbalance)
	entry := func(r auditRow) *SettlementImbalance {
		k := auditKey{r.ConsignmentId, r.ProductId}
		if totals[k] == nil {
			totals[k] = &SettlementImbalance{ConsignmentId: r.ConsignmentId, ProductId: r.ProductId}
		}
		return totals[k]
	}
	for _, r := range shipped {
		entry(r).Shipped += r.Qty
	}
	for _, r := range sold {
		entry(r).Sold += r.Qty
	}
	for _, r := range returned {
		entry(r).Returned += r.Qty
	}

	var out []SettlementImbalance
	for _, t := range totals {
		if t.Difference() != 0 {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsignmentId != out[j].ConsignmentId {
			return out[i].ConsignmentId < out[j].ConsignmentId
		}
		return out[i].ProductId < out[j].ProductId
	})
	return out
}
