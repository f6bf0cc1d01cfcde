package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for OutboxRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxRecord is written in the settlement transaction and published to
// Pub/Sub by the dispatcher after commit.
type OutboxRecord struct {
	ID               int                   `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId       string                `gorm:"size:64;not null;index" json:"business_id"`
	ConsignmentId    int                   `gorm:"index;not null" json:"consignment_id"`
	Action           SettlementEventAction `gorm:"size:20;not null" json:"action"`
	IdempotencyKey   string                `gorm:"size:64;index" json:"idempotency_key"`
	Payload          []byte                `gorm:"type:blob" json:"payload"`
	SettledAt        time.Time             `gorm:"index;not null" json:"settled_at"`
	PublishStatus    string                `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time            `gorm:"index" json:"published_at"`
	PubSubMessageId  *string               `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                   `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time            `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time            `gorm:"index" json:"locked_at"`
	LockedBy         *string               `gorm:"size:100" json:"locked_by"`
	LastPublishError *string               `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string                `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueSettlementEvent stores the event in tx; nothing is published until
// the dispatcher picks it up.
func EnqueueSettlementEvent(ctx context.Context, tx *gorm.DB, businessId string, consignmentId int, idempotencyKey string, settledAt time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := OutboxRecord{
		BusinessId:     businessId,
		ConsignmentId:  consignmentId,
		Action:         SettlementEventActionSettled,
		IdempotencyKey: idempotencyKey,
		Payload:        data,
		SettledAt:      settledAt,
		PublishStatus:  OutboxPublishStatusPending,
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func (r OutboxRecord) ToSettlementEvent() config.SettlementEvent {
	return config.SettlementEvent{
		ID:             r.ID,
		BusinessId:     r.BusinessId,
		ConsignmentId:  r.ConsignmentId,
		SettledAt:      r.SettledAt,
		Action:         string(r.Action),
		IdempotencyKey: r.IdempotencyKey,
		Payload:        json.RawMessage(r.Payload),
		CorrelationId:  r.CorrelationId,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// GetSettlementEvents lists the outbox rows of one consignment, oldest first.
func GetSettlementEvents(ctx context.Context, db *gorm.DB, businessId string, consignmentId int) ([]OutboxRecord, error) {
	var records []OutboxRecord
	err := db.WithContext(ctx).
		Where("business_id = ? AND consignment_id = ?", businessId, consignmentId).
		Order("id").
		Find(&records).Error
	return records, err
}

// ReplaySettlementEvents puts FAILED and DEAD rows of a consignment back in
// the dispatcher's queue with a fresh attempt budget.
func ReplaySettlementEvents(ctx context.Context, db *gorm.DB, businessId string, consignmentId int) (int64, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&OutboxRecord{}).
		Where("business_id = ? AND consignment_id = ? AND publish_status IN ?", businessId, consignmentId,
			[]string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusFailed,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return res.RowsAffected, nil
}
