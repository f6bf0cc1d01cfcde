package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/models/reports"
	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const settlementLockType = "settlement"

var tracer = otel.Tracer("consignment-settlement")

// CommitSettlement commits the session under a per-consignment Redis lock.
// When Redis is not connected the commit runs unlocked; the store's row lock
// still serializes writers. After a successful commit the workbook is
// uploaded to GCS if SETTLEMENT_EXPORT_UPLOAD is on.
func CommitSettlement(ctx context.Context, s *settlement.Session, store settlement.SettlementStore) (*settlement.SettlementRequest, error) {
	logger := config.GetLogger()
	c := s.Consignment()

	ctx, span := tracer.Start(ctx, "settlement.commit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("business_id", c.BusinessId),
			attribute.Int("consignment_id", c.ID),
			attribute.String("idempotency_key", s.IdempotencyKey()),
		),
	)
	defer span.End()

	var req *settlement.SettlementRequest
	commit := func(ctx context.Context) error {
		var err error
		req, err = s.Commit(ctx, store)
		return err
	}

	err := utils.WithBusinessLock(ctx, c.BusinessId, settlementLockType, fmt.Sprint(c.ID), 30*time.Second, "SettlementCommit", "CommitSettlement", commit)
	if errors.Is(err, utils.ErrorLockNotReady) {
		logger.WithFields(logrus.Fields{
			"field":          "SettlementCommit",
			"consignment_id": c.ID,
		}).Warn("redis lock unavailable; committing without it")
		err = commit(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(logger, "SettlementCommit", "CommitSettlement", "committing settlement", logrus.Fields{
			"business_id":    c.BusinessId,
			"consignment_id": c.ID,
		}, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("sales", len(req.Sales)), attribute.Int("returned_units", len(req.ReturnedProductIds)))
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	logger.WithFields(logrus.Fields{
		"field":          "SettlementCommit",
		"business_id":    c.BusinessId,
		"consignment_id": c.ID,
		"sales":          len(req.Sales),
		"correlation_id": cid,
	}).Info("consignment settled")

	if config.UploadSettlementExports() {
		if _, err := UploadSettlementExport(ctx, s); err != nil {
			config.LogError(logger, "SettlementCommit", "UploadSettlementExport", "uploading settlement workbook", c.ID, err)
		}
	}
	return req, nil
}

// UploadSettlementExport writes the session workbook to GCS and returns the
// object name.
func UploadSettlementExport(ctx context.Context, s *settlement.Session) (string, error) {
	data, err := reports.SettlementWorkbookBytes(s)
	if err != nil {
		return "", err
	}
	c := s.Consignment()
	objectName := reports.ExportObjectName(c.BusinessId, c.ID, time.Now())
	if err := utils.UploadBytesToGCS(ctx, objectName, data, reports.XlsxContentType); err != nil {
		return "", err
	}
	return objectName, nil
}

// ShareSettlementExport uploads the workbook and returns a signed download
// link valid for expires.
func ShareSettlementExport(ctx context.Context, s *settlement.Session, expires time.Duration) (*utils.SignedDownload, error) {
	objectName, err := UploadSettlementExport(ctx, s)
	if err != nil {
		return nil, err
	}
	return utils.SignDownload(ctx, objectName, expires)
}
