package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/supplytrace/tracking-service/internal/config"
)

// maxEventCount bounds the per-event container and quantity values. The
// contract emits uint256; anything that does not fit a sane dispatch is a
// malformed or hostile event and is skipped like any other undecodable log.
const maxEventCount = 1_000_000

const shipmentCreatedABI = `[{"anonymous":false,"inputs":[
{"indexed":true,"internalType":"bytes32","name":"shipmentHash","type":"bytes32"},
{"indexed":true,"internalType":"address","name":"supplier","type":"address"},
{"indexed":false,"internalType":"string","name":"batchId","type":"string"},
{"indexed":false,"internalType":"uint256","name":"containerCount","type":"uint256"},
{"indexed":false,"internalType":"uint256","name":"quantityPerContainer","type":"uint256"},
{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],
"name":"ShipmentCreated","type":"event"}]`

// EthereumClient reads ShipmentCreated events from the tracking contract.
// The HTTP endpoint serves height and range queries, the WS endpoint serves
// the live subscription.
type EthereumClient struct {
	rpc      *ethclient.Client
	ws       *ethclient.Client
	contract common.Address
	abi      abi.ABI
	eventID  common.Hash
	log      *zap.SugaredLogger
}

// NewEthereumClient validates configuration and dials both endpoints.
// A missing or malformed contract address is ErrInvalidContract and must
// abort startup rather than degrade into retries.
func NewEthereumClient(cfg config.LedgerConfig, log *zap.SugaredLogger) (*EthereumClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, ErrInvalidContract
	}
	parsed, err := abi.JSON(strings.NewReader(shipmentCreatedABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc %s: %w", cfg.RPCURL, err)
	}
	ws, err := ethclient.Dial(cfg.WSURL)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("dial ledger ws %s: %w", cfg.WSURL, err)
	}
	return &EthereumClient{
		rpc:      rpc,
		ws:       ws,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
		eventID:  parsed.Events["ShipmentCreated"].ID,
		log:      log,
	}, nil
}

// Height returns the current ledger height.
func (c *EthereumClient) Height(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

func (c *EthereumClient) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.eventID}},
	}
}

// FilterShipmentEvents fetches creation events in [from, to], ascending by
// block number then log index. Undecodable logs are skipped with a warning;
// they cannot become decodable on retry.
func (c *EthereumClient) FilterShipmentEvents(ctx context.Context, from, to uint64) ([]ShipmentEvent, error) {
	logs, err := c.rpc.FilterLogs(ctx, c.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	events := make([]ShipmentEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := c.decode(l)
		if err != nil {
			c.log.Warnf("skipping undecodable log tx=%s idx=%d: %v", l.TxHash.Hex(), l.Index, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeShipmentEvents registers a live feed of new creation events.
// Decoded events are delivered on ch until ctx is cancelled or the
// subscription fails.
func (c *EthereumClient) SubscribeShipmentEvents(ctx context.Context, ch chan<- ShipmentEvent) (Subscription, error) {
	logCh := make(chan types.Log, 64)
	sub, err := c.ws.SubscribeFilterLogs(ctx, c.query(nil, nil), logCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logCh:
				if !ok {
					return
				}
				ev, err := c.decode(l)
				if err != nil {
					c.log.Warnf("skipping undecodable log tx=%s idx=%d: %v", l.TxHash.Hex(), l.Index, err)
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

func (c *EthereumClient) decode(l types.Log) (ShipmentEvent, error) {
	if len(l.Topics) < 3 {
		return ShipmentEvent{}, fmt.Errorf("expected 3 topics, got %d", len(l.Topics))
	}
	var data struct {
		BatchId              string
		ContainerCount       *big.Int
		QuantityPerContainer *big.Int
		Timestamp            *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&data, "ShipmentCreated", l.Data); err != nil {
		return ShipmentEvent{}, fmt.Errorf("unpack event data: %w", err)
	}
	if !validEventCount(data.ContainerCount) || !validEventCount(data.QuantityPerContainer) {
		return ShipmentEvent{}, fmt.Errorf("container count %s / quantity %s outside [1,%d]",
			data.ContainerCount, data.QuantityPerContainer, maxEventCount)
	}
	return ShipmentEvent{
		ShipmentHash:         l.Topics[1].Hex(),
		Supplier:             common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		BatchID:              data.BatchId,
		ContainerCount:       int(data.ContainerCount.Int64()),
		QuantityPerContainer: int(data.QuantityPerContainer.Int64()),
		TxHash:               l.TxHash.Hex(),
		BlockNumber:          l.BlockNumber,
		Timestamp:            time.Unix(data.Timestamp.Int64(), 0).UTC(),
	}, nil
}

func validEventCount(v *big.Int) bool {
	return v != nil && v.IsInt64() && v.Int64() >= 1 && v.Int64() <= maxEventCount
}

// Close releases both connections.
func (c *EthereumClient) Close() {
	c.rpc.Close()
	if c.ws != c.rpc {
		c.ws.Close()
	}
}
