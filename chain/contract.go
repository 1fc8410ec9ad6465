// Package chain drives the Flip10Sessions contract: authority transactions
// for session start/finalize and the purchase-event feed that funds the
// credit ledger.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

// flip10SessionsABI covers the surface the coordinator touches: the two
// authority transactions, the session view, and the purchase event.
const flip10SessionsABI = `[
	{"name":"startSession","type":"function","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"uint256"}],"outputs":[]},
	{"name":"finalizeSession","type":"function","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"uint256"},{"name":"winner","type":"address"},{"name":"proofHash","type":"bytes32"}],"outputs":[]},
	{"name":"sessions","type":"function","stateMutability":"view","inputs":[{"name":"sessionId","type":"uint256"}],"outputs":[{"name":"startedAt","type":"uint256"},{"name":"finalized","type":"bool"},{"name":"winner","type":"address"},{"name":"proofHash","type":"bytes32"}]},
	{"name":"FlipPackagePurchased","type":"event","anonymous":false,"inputs":[{"name":"sessionId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"flips","type":"uint256","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Contract revert reasons absorbed as idempotent success.
const (
	revertAlreadyStarted   = "SessionAlreadyStarted"
	revertAlreadyFinalized = "SessionAlreadyFinalized"
)

var sessionsABI = mustParseABI(flip10SessionsABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// purchaseEventID is the FlipPackagePurchased topic0.
var purchaseEventID = sessionsABI.Events["FlipPackagePurchased"].ID

// Contract wraps the Flip10Sessions deployment with the authority key.
// Transactions are serialized so the authority nonce never races.
type Contract struct {
	logger  logging.Logger
	client  *ethclient.Client
	address common.Address
	bound   *bind.BoundContract
	key     *ecdsa.PrivateKey
	chainID *big.Int

	// txWait bounds how long a submitted transaction is awaited.
	txWait time.Duration

	txMu sync.Mutex
}

// NewContract binds the deployment at address and prepares the authority
// transactor. The chain id is fetched from the node once, up front.
func NewContract(
	ctx context.Context,
	logger logging.Logger,
	client *ethclient.Client,
	address common.Address,
	authorityKeyHex string,
	txWait time.Duration,
) (*Contract, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(authorityKeyHex, "0x"))
	if err != nil {
		return nil, err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	if txWait <= 0 {
		txWait = 90 * time.Second
	}

	return &Contract{
		logger:  logging.ForComponent(logger, logging.ComponentChainBridge),
		client:  client,
		address: address,
		bound:   bind.NewBoundContract(address, sessionsABI, client, client, client),
		key:     key,
		chainID: chainID,
		txWait:  txWait,
	}, nil
}

// Address returns the bound deployment address.
func (c *Contract) Address() common.Address {
	return c.address
}

// Authority returns the transacting authority address.
func (c *Contract) Authority() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// StartSession submits startSession(sessionId) and waits for it to mine.
// A SessionAlreadyStarted revert is absorbed: the chain state already
// matches the intent.
func (c *Contract) StartSession(ctx context.Context, sessionID int64) error {
	return c.transact(ctx, "startSession", big.NewInt(sessionID))
}

// FinalizeSession submits finalizeSession and waits for it to mine. A
// SessionAlreadyFinalized revert is absorbed.
func (c *Contract) FinalizeSession(ctx context.Context, sessionID int64, winner string, proofHash common.Hash) error {
	return c.transact(ctx, "finalizeSession", big.NewInt(sessionID), common.HexToAddress(winner), [32]byte(proofHash))
}

func (c *Contract) transact(ctx context.Context, method string, args ...any) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	start := time.Now()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return err
	}
	opts.Context = ctx

	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		if isIdempotentRevert(err) {
			c.logger.Info().
				Str(logging.FieldOperation, method).
				Str(logging.FieldReason, err.Error()).
				Msg("transaction already applied on chain")
			transactionsSubmitted.WithLabelValues(method, logging.ResultSkipped).Inc()
			return nil
		}
		transactionsSubmitted.WithLabelValues(method, logging.ResultFailure).Inc()
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.txWait)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.client, tx)
	if err != nil {
		transactionsSubmitted.WithLabelValues(method, logging.ResultFailure).Inc()
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		transactionsSubmitted.WithLabelValues(method, logging.ResultFailure).Inc()
		return &RevertedError{Method: method, TxHash: tx.Hash()}
	}

	transactionsSubmitted.WithLabelValues(method, logging.ResultSuccess).Inc()
	transactionDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	c.logger.Info().
		Str(logging.FieldOperation, method).
		Str(logging.FieldTxHash, tx.Hash().Hex()).
		Uint64(logging.FieldBlockNumber, receipt.BlockNumber.Uint64()).
		Dur(logging.FieldDuration, time.Since(start)).
		Msg("transaction mined")
	return nil
}

// isIdempotentRevert reports whether the error is one of the contract's
// already-done reverts, surfaced during gas estimation.
func isIdempotentRevert(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, revertAlreadyStarted) || strings.Contains(msg, revertAlreadyFinalized)
}
