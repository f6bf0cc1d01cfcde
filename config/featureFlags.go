package config

import (
	"os"
	"strings"
)

// UploadSettlementExports enables uploading the settlement workbook to GCS
// after a successful commit.
//
// Set via env:
// - SETTLEMENT_EXPORT_UPLOAD=true
func UploadSettlementExports() bool {
	return BoolFromEnv("SETTLEMENT_EXPORT_UPLOAD")
}

// PublishSettlementEvents controls whether a committed settlement enqueues an
// outbox event for downstream consumers. Enabled unless explicitly turned off.
//
// Set via env:
// - SETTLEMENT_EVENTS=false
func PublishSettlementEvents() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SETTLEMENT_EVENTS")))
	return v != "0" && v != "false" && v != "no" && v != "n"
}
