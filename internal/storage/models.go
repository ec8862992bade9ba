package storage

import (
	"time"
)

// Batch statuses mirror the on-chain enum.
const (
	StatusManufactured = "Manufactured"
	StatusReadyForSale = "Ready for Sale"
)

// StatusFromChain maps the contract's uint8 status to its label.
func StatusFromChain(v uint8) string {
	if v == 1 {
		return StatusReadyForSale
	}
	return StatusManufactured
}

// Transfer is one recorded custody change for a batch.
//
// Seq is assigned by the store on append and defines history order.
type Transfer struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	BatchID     string    `json:"batchId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Timestamp   int64     `json:"timestamp"`
	Location    string    `json:"location,omitempty"`
	BlockNumber *uint64   `json:"blockNumber,omitempty"`
	TxHash      string    `json:"transactionHash,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SameEvent reports whether t and other describe the same custody change.
// Store-assigned ids win when both sides carry one.
func (t Transfer) SameEvent(other Transfer) bool {
	if t.ID != "" && other.ID != "" {
		return t.ID == other.ID
	}
	return t.BatchID == other.BatchID &&
		t.From == other.From &&
		t.To == other.To &&
		t.Timestamp == other.Timestamp &&
		t.Location == other.Location &&
		t.TxHash == other.TxHash
}

// Alert records one anomaly finding for a batch.
type Alert struct {
	ID        string `json:"id"`
	BatchID   string `json:"batchId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Batch holds off-chain metadata for a tracked batch.
type Batch struct {
	BatchID      string    `json:"batchId"`
	ProductName  string    `json:"productName"`
	Manufacturer string    `json:"manufacturer"`
	Supplier     string    `json:"supplier,omitempty"`
	Status       string    `json:"status"`
	BatchNumber  int64     `json:"batchNumber"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NowMillis returns the current wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
