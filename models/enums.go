package models

import (
	"encoding/json"
	"errors"

	"bitbucket.org/mmdatafocus/consignment_backend/settlement"
)

type ConsignmentStatus string

const (
	ConsignmentStatusActive ConsignmentStatus = "A"
	ConsignmentStatusClosed ConsignmentStatus = "C"
)

func (t ConsignmentStatus) MarshalJSON() ([]byte, error) {
	switch t {
	case ConsignmentStatusActive:
		return json.Marshal("Active")
	case ConsignmentStatusClosed:
		return json.Marshal("Closed")
	}
	return json.Marshal(string(t))
}

// convert input to enum type
func (t *ConsignmentStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("consignment status must be string")
	}
	switch str {
	case "Active", "A":
		*t = ConsignmentStatusActive
	case "Closed", "C":
		*t = ConsignmentStatusClosed
	default:
		return errors.New("invalid consignment status")
	}
	return nil
}

func (t ConsignmentStatus) ToDomain() settlement.ConsignmentStatus {
	if t == ConsignmentStatusClosed {
		return settlement.ConsignmentStatusClosed
	}
	return settlement.ConsignmentStatusActive
}

// MovementDocType tags inventory movements by the document that caused them.
type MovementDocType string

const (
	// goods leave stock for the customer
	MovementDocTypeConsignmentOut MovementDocType = "CO"
	// returned units go back to stock
	MovementDocTypeConsignmentReturn MovementDocType = "CR"
	// sold units leave the consigned pool
	MovementDocTypeConsignmentSale MovementDocType = "CS"
)

type MovementLocation string

const (
	MovementLocationStock     MovementLocation = "STOCK"
	MovementLocationConsigned MovementLocation = "CONSIGNED"
)

type SettlementEventAction string

const (
	SettlementEventActionSettled SettlementEventAction = "SETTLED"
)
