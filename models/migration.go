package models

import (
	"log"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Consignment{}, &ConsignmentDetail{},
		&Customer{},
		&IdempotencyKey{}, &InventoryMovement{},
		&OutboxRecord{},
		&Product{},
		&Sale{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
