package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
	"bitbucket.org/mmdatafocus/consignment_backend/models"
	"bitbucket.org/mmdatafocus/consignment_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	consignmentID := flag.Int("consignment-id", 0, "Optional: audit a single consignment")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))
	imbalances, checked, err := models.AuditClosedConsignments(ctx, db, strings.TrimSpace(*businessID), *consignmentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	for _, i := range imbalances {
		logger.WithFields(logrus.Fields{
			"field":          "settlement-audit",
			"business_id":    *businessID,
			"consignment_id": i.ConsignmentId,
			"product_id":     i.ProductId,
			"shipped":        i.Shipped,
			"sold":           i.Sold,
			"returned":       i.Returned,
		}).Error("consignment does not balance")
		fmt.Printf("consignment=%d product=%d shipped=%d sold=%d returned=%d diff=%d\n",
			i.ConsignmentId, i.ProductId, i.Shipped, i.Sold, i.Returned, i.Difference())
	}

	fmt.Printf("checked %d closed consignments, %d imbalanced lines\n", checked, len(imbalances))
	if len(imbalances) > 0 {
		os.Exit(2)
	}
}
