package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

// ProductCode is the cached result of resolving a code to a product.
type ProductCode struct {
	ProductId int `json:"product_id"`
}

// ProductDirectory resolves return codes (SKU first, then barcode) to active
// products of one business. Lookups made close together are batched into a
// single query, and hits are cached in Redis.
type ProductDirectory struct {
	db         *gorm.DB
	businessId string
	loader     *dataloader.Loader[string, int]
}

var _ settlement.BatchProductDirectory = (*ProductDirectory)(nil)

func NewProductDirectory(db *gorm.DB, businessId string) *ProductDirectory {
	d := &ProductDirectory{db: db, businessId: businessId}
	d.loader = dataloader.NewBatchedLoader(d.getProductIds, dataloader.WithWait[string, int](time.Millisecond))
	return d
}

func (d *ProductDirectory) ResolveByCode(ctx context.Context, code string) (int, error) {
	code = strings.TrimSpace(code)
	id, err := d.loader.Load(ctx, code)()
	if err != nil && !errors.Is(err, settlement.ErrNotFound) {
		d.loader.Clear(ctx, code)
	}
	return id, err
}

// ResolveCodes omits codes that match no product. Any other lookup failure
// fails the whole call.
func (d *ProductDirectory) ResolveCodes(ctx context.Context, codes []string) (map[string]int, error) {
	trimmed := make([]string, 0, len(codes))
	for _, c := range codes {
		trimmed = append(trimmed, strings.TrimSpace(c))
	}
	trimmed = utils.UniqueSlice(trimmed)

	ids, errs := d.loader.LoadMany(ctx, trimmed)()
	out := make(map[string]int, len(trimmed))
	for i, code := range trimmed {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], settlement.ErrNotFound) {
				continue
			}
			d.loader.Clear(ctx, code)
			return nil, errs[i]
		}
		out[code] = ids[i]
	}
	return out, nil
}

func (d *ProductDirectory) getProductIds(ctx context.Context, codes []string) []*dataloader.Result[int] {
	found := make(map[string]int, len(codes))
	var misses []string
	for _, code := range codes {
		cached, err := utils.RetrieveRedis[ProductCode](ctx, d.businessId, code)
		if err != nil {
			config.LogError(config.GetLogger(), "ProductDirectory", "getProductIds", "reading product code cache", code, err)
		}
		if cached != nil {
			found[code] = cached.ProductId
			continue
		}
		misses = append(misses, code)
	}

	if len(misses) > 0 {
		var rows []Product
		err := d.db.WithContext(ctx).
			Select("id", "sku", "barcode").
			Where("business_id = ? AND is_active = ?", d.businessId, true).
			Where("(sku IN ? OR barcode IN ?)", misses, misses).
			Order("id ASC").
			Find(&rows).Error
		if err != nil {
			return handleError[int](len(codes), err)
		}
		bySku := make(map[string]int)
		byBarcode := make(map[string]int)
		for _, r := range rows {
			if _, ok := bySku[r.Sku]; !ok {
				bySku[r.Sku] = r.ID
			}
			if _, ok := byBarcode[r.Barcode]; !ok && r.Barcode != "" {
				byBarcode[r.Barcode] = r.ID
			}
		}
		for _, code := range misses {
			id, ok := bySku[code]
			if !ok {
				id, ok = byBarcode[code]
			}
			if !ok {
				continue
			}
			found[code] = id
			if err := utils.StoreRedis(ctx, d.businessId, code, &ProductCode{ProductId: id}); err != nil {
				config.LogError(config.GetLogger(), "ProductDirectory", "getProductIds", "writing product code cache", code, err)
			}
		}
	}

	results := make([]*dataloader.Result[int], 0, len(codes))
	for _, code := range codes {
		if id, ok := found[code]; ok {
			results = append(results, &dataloader.Result[int]{Data: id})
			continue
		}
		results = append(results, &dataloader.Result[int]{Error: settlement.NewNotFoundError("product code", code)})
	}
	return results
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
