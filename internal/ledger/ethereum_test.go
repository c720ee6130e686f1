package ledger

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/supplytrace/tracking-service/internal/logger"
)

func newDecodeClient(t *testing.T) *EthereumClient {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(shipmentCreatedABI))
	assert.NoError(t, err)
	log, err := logger.New("")
	assert.NoError(t, err)
	return &EthereumClient{
		abi:     parsed,
		eventID: parsed.Events["ShipmentCreated"].ID,
		log:     log,
	}
}

func creationLog(t *testing.T, c *EthereumClient, count, qty *big.Int) types.Log {
	t.Helper()
	data, err := c.abi.Events["ShipmentCreated"].Inputs.NonIndexed().
		Pack("BATCH-7", count, qty, big.NewInt(1700000000))
	assert.NoError(t, err)
	return types.Log{
		Topics: []common.Hash{
			c.eventID,
			common.HexToHash("0x" + strings.Repeat("ab", 32)),
			common.BytesToHash(common.HexToAddress("0x00000000000000000000000000000000000000cd").Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 42,
		Index:       3,
	}
}

func TestDecodeCreationEvent(t *testing.T) {
	c := newDecodeClient(t)

	ev, err := c.decode(creationLog(t, c, big.NewInt(3), big.NewInt(10)))
	assert.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), ev.ShipmentHash)
	assert.Equal(t, "BATCH-7", ev.BatchID)
	assert.Equal(t, 3, ev.ContainerCount)
	assert.Equal(t, 10, ev.QuantityPerContainer)
	assert.EqualValues(t, 42, ev.BlockNumber)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Timestamp)
}

func TestDecodeRejectsOutOfRangeCounts(t *testing.T) {
	c := newDecodeClient(t)

	// a count past int64 would truncate negative and a later
	// make([]Container, n) would panic; it must fail here instead
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	_, err := c.decode(creationLog(t, c, huge, big.NewInt(10)))
	assert.Error(t, err)

	_, err = c.decode(creationLog(t, c, big.NewInt(0), big.NewInt(10)))
	assert.Error(t, err)

	_, err = c.decode(creationLog(t, c, big.NewInt(3), new(big.Int).Lsh(big.NewInt(1), 64)))
	assert.Error(t, err)
}

func TestDecodeRejectsMissingTopics(t *testing.T) {
	c := newDecodeClient(t)

	l := creationLog(t, c, big.NewInt(3), big.NewInt(10))
	l.Topics = l.Topics[:2]
	_, err := c.decode(l)
	assert.Error(t, err)
}
