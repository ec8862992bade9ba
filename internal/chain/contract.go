// Package chain reads the supply-chain contract: batch state via calls and
// custody events via log polling.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"supply-integrity/internal/storage"
)

const supplyChainABIJSON = `[
{"anonymous":false,"name":"BatchCreated","type":"event","inputs":[
  {"indexed":true,"internalType":"uint256","name":"batchId","type":"uint256"},
  {"indexed":false,"internalType":"string","name":"productName","type":"string"},
  {"indexed":false,"internalType":"address","name":"manufacturer","type":"address"},
  {"indexed":false,"internalType":"address","name":"supplier","type":"address"},
  {"indexed":false,"internalType":"uint8","name":"status","type":"uint8"},
  {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
{"anonymous":false,"name":"Transfer","type":"event","inputs":[
  {"indexed":true,"internalType":"uint256","name":"batchId","type":"uint256"},
  {"indexed":false,"internalType":"address","name":"from","type":"address"},
  {"indexed":false,"internalType":"address","name":"to","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
{"anonymous":false,"name":"StatusUpdated","type":"event","inputs":[
  {"indexed":true,"internalType":"uint256","name":"batchId","type":"uint256"},
  {"indexed":false,"internalType":"uint8","name":"newStatus","type":"uint8"},
  {"indexed":false,"internalType":"address","name":"updatedBy","type":"address"}]},
{"inputs":[],"name":"getCurrentBatchId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"batchId","type":"uint256"}],"name":"getBatch","outputs":[
  {"components":[
    {"internalType":"uint256","name":"batchId","type":"uint256"},
    {"internalType":"string","name":"productName","type":"string"},
    {"internalType":"address","name":"manufacturer","type":"address"},
    {"internalType":"address","name":"supplier","type":"address"},
    {"internalType":"uint8","name":"status","type":"uint8"},
    {"internalType":"uint256","name":"timestamp","type":"uint256"}],
   "internalType":"struct SupplyChain.Batch","name":"","type":"tuple"}],
 "stateMutability":"view","type":"function"}
]`

// Event names emitted by the contract.
const (
	EventBatchCreated  = "BatchCreated"
	EventTransfer      = "Transfer"
	EventStatusUpdated = "StatusUpdated"
)

var supplyChainABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(supplyChainABIJSON))
	if err != nil {
		panic("failed to parse supply chain ABI: " + err.Error())
	}
	supplyChainABI = parsed
}

// Client is the part of ethclient.Client the package uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// onchainBatch mirrors the contract's Batch struct for abi.ConvertType.
type onchainBatch struct {
	BatchId      *big.Int
	ProductName  string
	Manufacturer common.Address
	Supplier     common.Address
	Status       uint8
	Timestamp    *big.Int
}

// Event is one decoded contract log.
type Event struct {
	Name         string `json:"event"`
	BatchID      string `json:"batchId"`
	ProductName  string `json:"productName,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Supplier     string `json:"supplier,omitempty"`
	Status       string `json:"status,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	UpdatedBy    string `json:"updatedBy,omitempty"`
	// Timestamp is in epoch milliseconds; zero for events that carry none.
	Timestamp   int64  `json:"timestamp,omitempty"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	TxIndex     uint   `json:"transactionIndex"`
	LogIndex    uint   `json:"logIndex"`
}

// Transfer converts a Transfer event into a history record.
func (e Event) Transfer() storage.Transfer {
	block := e.BlockNumber
	return storage.Transfer{
		BatchID:     e.BatchID,
		From:        e.From,
		To:          e.To,
		Timestamp:   e.Timestamp,
		BlockNumber: &block,
		TxHash:      e.TxHash,
	}
}

// Batch converts a BatchCreated event into batch metadata.
func (e Event) Batch() storage.Batch {
	return storage.Batch{
		BatchID:      e.BatchID,
		ProductName:  e.ProductName,
		Manufacturer: e.Manufacturer,
		Supplier:     e.Supplier,
		Status:       e.Status,
	}
}

var errUnknownEvent = errors.New("unknown event")

func eventTopics(names ...string) []common.Hash {
	out := make([]common.Hash, 0, len(names))
	for _, name := range names {
		out = append(out, supplyChainABI.Events[name].ID)
	}
	return out
}

func batchTopic(batchID *big.Int) common.Hash {
	return common.BigToHash(batchID)
}

// decodeLog turns a raw log into an Event.
func decodeLog(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, errUnknownEvent
	}

	var ev abi.Event
	found := false
	for _, candidate := range supplyChainABI.Events {
		if candidate.ID == l.Topics[0] {
			ev, found = candidate, true
			break
		}
	}
	if !found {
		return Event{}, fmt.Errorf("%w: topic %s", errUnknownEvent, l.Topics[0].Hex())
	}

	fields := make(map[string]interface{})
	if err := supplyChainABI.UnpackIntoMap(fields, ev.Name, l.Data); err != nil {
		return Event{}, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return Event{}, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	out := Event{
		Name:        ev.Name,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		TxIndex:     l.TxIndex,
		LogIndex:    l.Index,
	}
	if id, ok := fields["batchId"].(*big.Int); ok {
		out.BatchID = id.String()
	}

	switch ev.Name {
	case EventBatchCreated:
		out.ProductName, _ = fields["productName"].(string)
		out.Manufacturer = addressField(fields, "manufacturer")
		out.Supplier = addressField(fields, "supplier")
		if status, ok := fields["status"].(uint8); ok {
			out.Status = storage.StatusFromChain(status)
		}
		out.Timestamp = secondsToMillis(fields["timestamp"])
	case EventTransfer:
		out.From = addressField(fields, "from")
		out.To = addressField(fields, "to")
		out.Timestamp = secondsToMillis(fields["timestamp"])
	case EventStatusUpdated:
		if status, ok := fields["newStatus"].(uint8); ok {
			out.Status = storage.StatusFromChain(status)
		}
		out.UpdatedBy = addressField(fields, "updatedBy")
	}
	return out, nil
}

func addressField(fields map[string]interface{}, name string) string {
	addr, ok := fields[name].(common.Address)
	if !ok || addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func secondsToMillis(v interface{}) int64 {
	secs, ok := v.(*big.Int)
	if !ok || secs == nil || !secs.IsInt64() {
		return 0
	}
	return secs.Int64() * 1000
}

// sortLogs orders logs by block, transaction and log index.
func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})
}
