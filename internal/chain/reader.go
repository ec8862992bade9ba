package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"supply-integrity/internal/config"
	"supply-integrity/internal/storage"
)

// ErrNotConfigured indicates chain access was requested without rpc/contract settings.
var ErrNotConfigured = errors.New("chain: rpc url or contract address not configured")

// Options parameterise contract access.
type Options struct {
	RPCURL          string
	ContractAddress string
	StartBlock      uint64
	Confirmations   uint64
	MaxBlockRange   uint64
	Timeout         time.Duration
}

// OptionsFromConfig maps the chain config section.
func OptionsFromConfig(cfg config.ChainConfig) Options {
	return Options{
		RPCURL:          cfg.RPCURL,
		ContractAddress: cfg.ContractAddress,
		StartBlock:      cfg.StartBlock,
		Confirmations:   cfg.Confirmations,
		MaxBlockRange:   cfg.MaxBlockRange,
		Timeout:         cfg.RequestTimeout,
	}
}

// OnchainBatch is the contract's view of a batch.
type OnchainBatch struct {
	BatchID      string `json:"batchId"`
	ProductName  string `json:"productName"`
	Manufacturer string `json:"manufacturer"`
	Supplier     string `json:"supplier,omitempty"`
	Status       string `json:"status"`
	// Timestamp is the last update in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Reader performs contract calls and log queries.
type Reader struct {
	opts      Options
	address   common.Address
	logger    zerolog.Logger
	client    Client
	clientMux sync.Mutex
}

// NewReader builds a reader that dials lazily on first use.
func NewReader(opts Options, logger zerolog.Logger) *Reader {
	return &Reader{
		opts:    opts,
		address: common.HexToAddress(opts.ContractAddress),
		logger:  logger.With().Str("component", "chain_reader").Logger(),
	}
}

// NewReaderWithClient builds a reader over an existing client.
func NewReaderWithClient(opts Options, client Client, logger zerolog.Logger) *Reader {
	r := NewReader(opts, logger)
	r.client = client
	return r
}

func (r *Reader) getClient(ctx context.Context) (Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if r.opts.RPCURL == "" || r.opts.ContractAddress == "" {
		return nil, ErrNotConfigured
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	r.client = client
	return client, nil
}

func (r *Reader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := supplyChainABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := supplyChainABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

// CurrentBatchID returns the next batch id the contract will assign, which is
// also the number of batches created so far.
func (r *Reader) CurrentBatchID(ctx context.Context) (*big.Int, error) {
	outputs, err := r.call(ctx, "getCurrentBatchId")
	if err != nil {
		return nil, err
	}
	id, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode getCurrentBatchId output")
	}
	return id, nil
}

// GetBatch reads one batch from contract storage.
func (r *Reader) GetBatch(ctx context.Context, batchID *big.Int) (OnchainBatch, error) {
	outputs, err := r.call(ctx, "getBatch", batchID)
	if err != nil {
		return OnchainBatch{}, err
	}
	raw, ok := abi.ConvertType(outputs[0], new(onchainBatch)).(*onchainBatch)
	if !ok || raw == nil {
		return OnchainBatch{}, errors.New("failed to decode getBatch output")
	}

	out := OnchainBatch{
		ProductName:  raw.ProductName,
		Manufacturer: raw.Manufacturer.Hex(),
		Status:       storage.StatusFromChain(raw.Status),
	}
	if raw.BatchId != nil {
		out.BatchID = raw.BatchId.String()
	}
	if raw.Supplier != (common.Address{}) {
		out.Supplier = raw.Supplier.Hex()
	}
	out.Timestamp = secondsToMillis(raw.Timestamp)
	return out, nil
}

// EventHistory returns the BatchCreated and StatusUpdated events of one batch
// in block order.
func (r *Reader) EventHistory(ctx context.Context, batchID *big.Int) ([]Event, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.opts.StartBlock),
		Addresses: []common.Address{r.address},
		Topics: [][]common.Hash{
			eventTopics(EventBatchCreated, EventStatusUpdated),
			{batchTopic(batchID)},
		},
	}
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	sortLogs(logs)

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := decodeLog(l)
		if err != nil {
			r.logger.Warn().Err(err).Str("tx", l.TxHash.Hex()).Msg("skip undecodable log")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// logsInRange fetches every contract event in [from, to].
func (r *Reader) logsInRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{eventTopics(EventBatchCreated, EventTransfer, EventStatusUpdated)},
	}
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	sortLogs(logs)
	return logs, nil
}

func (r *Reader) headBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return 0, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	return head, nil
}
