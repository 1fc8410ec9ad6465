package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

// SessionGate exposes the current session so stale purchase events can be
// discarded.
type SessionGate interface {
	ActiveSessionID() (int64, bool)
}

// CreditSink receives deduplicated purchase credits. Apply reports whether
// the key was new.
type CreditSink interface {
	Apply(key, address string, n int64) bool
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// logBuffer absorbs bursts from the node between reads.
	logBuffer = 64
)

// BridgeConfig tunes the purchase-event feed.
type BridgeConfig struct {
	// RPCWSURL is the websocket endpoint of the EVM node.
	RPCWSURL string

	// Contract is the Flip10Sessions deployment address.
	Contract common.Address

	// ResubscribeInterval forces a periodic teardown and fresh subscription
	// so a silently dead upstream never starves the feed. Default: 4h
	ResubscribeInterval time.Duration
}

// EventBridge maintains the FlipPackagePurchased subscription and feeds
// accepted purchases into the credit sink. It reconnects with exponential
// backoff and hard-resets the subscription on a fixed interval.
type EventBridge struct {
	logger logging.Logger
	cfg    BridgeConfig
	gate   SessionGate
	sink   CreditSink
}

// NewEventBridge builds a bridge; call Run to start streaming.
func NewEventBridge(logger logging.Logger, cfg BridgeConfig, gate SessionGate, sink CreditSink) *EventBridge {
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = 4 * time.Hour
	}
	return &EventBridge{
		logger: logging.ForComponent(logger, logging.ComponentChainBridge),
		cfg:    cfg,
		gate:   gate,
		sink:   sink,
	}
}

// Run streams purchase events until ctx is done. Dial and subscription
// failures back off exponentially from 1s to 30s; the backoff resets once a
// subscription survives past the first backoff ceiling.
func (b *EventBridge) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		if err := b.stream(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("purchase event stream interrupted")
		}
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > maxBackoff {
			backoff = initialBackoff
		}

		b.logger.Info().Dur(logging.FieldDuration, backoff).Msg("reconnecting purchase event stream")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// stream runs one dial-subscribe-consume cycle. A nil return means the
// scheduled hard reset fired; the caller resubscribes immediately after the
// backoff.
func (b *EventBridge) stream(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, b.cfg.RPCWSURL)
	if err != nil {
		subscriptionResets.WithLabelValues("dial_failure").Inc()
		return err
	}
	defer client.Close()

	logs := make(chan types.Log, logBuffer)
	sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.cfg.Contract},
		Topics:    [][]common.Hash{{purchaseEventID}},
	}, logs)
	if err != nil {
		subscriptionResets.WithLabelValues("subscribe_failure").Inc()
		return err
	}
	defer sub.Unsubscribe()

	b.logger.Info().
		Str(logging.FieldContract, b.cfg.Contract.Hex()).
		Msg("subscribed to purchase events")

	reset := time.NewTimer(b.cfg.ResubscribeInterval)
	defer reset.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			subscriptionResets.WithLabelValues("upstream_error").Inc()
			if err != nil {
				return err
			}
			return ErrSubscriptionClosed
		case <-reset.C:
			subscriptionResets.WithLabelValues("scheduled").Inc()
			b.logger.Info().Msg("scheduled subscription reset")
			return nil
		case lg := <-logs:
			b.handleLog(lg)
		}
	}
}

// Backfill replays the active session's purchase history through the credit
// sink. Run after a restart, before serving flips, so balances match chain
// state. Events already applied live are absorbed by the sink's
// deduplication.
func (b *EventBridge) Backfill(ctx context.Context) error {
	sessionID, ok := b.gate.ActiveSessionID()
	if !ok {
		return nil
	}

	client, err := ethclient.DialContext(ctx, b.cfg.RPCWSURL)
	if err != nil {
		return err
	}
	defer client.Close()

	history, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.cfg.Contract},
		Topics: [][]common.Hash{
			{purchaseEventID},
			{common.BigToHash(big.NewInt(sessionID))},
		},
	})
	if err != nil {
		return err
	}

	for _, lg := range history {
		b.handleLog(lg)
	}

	b.logger.Info().
		Int64(logging.FieldSessionID, sessionID).
		Int(logging.FieldCount, len(history)).
		Msg("purchase history backfilled")
	return nil
}

// handleLog decodes one purchase log and credits the buyer when it belongs
// to the active session. Undecodable and stale logs are counted and dropped.
func (b *EventBridge) handleLog(lg types.Log) {
	event, err := parsePurchase(lg)
	if err != nil {
		purchaseEventsSeen.WithLabelValues("unparsable").Inc()
		b.logger.Warn().Err(err).Str(logging.FieldTxHash, lg.TxHash.Hex()).Msg("dropping purchase log")
		return
	}

	activeID, ok := b.gate.ActiveSessionID()
	if !ok || activeID != event.SessionID {
		purchaseEventsSeen.WithLabelValues("stale").Inc()
		b.logger.Debug().
			Int64(logging.FieldSessionID, event.SessionID).
			Str(logging.FieldBuyer, event.Buyer.Hex()).
			Msg("purchase event for inactive session")
		return
	}

	if !b.sink.Apply(event.Key(), event.Buyer.Hex(), event.Flips) {
		purchaseEventsSeen.WithLabelValues("duplicate").Inc()
		return
	}

	purchaseEventsSeen.WithLabelValues("credited").Inc()
	b.logger.Info().
		Str(logging.FieldBuyer, event.Buyer.Hex()).
		Int64(logging.FieldCount, event.Flips).
		Str(logging.FieldTxHash, lg.TxHash.Hex()).
		Uint(logging.FieldLogIndex, event.LogIndex).
		Msg("flip purchase credited")
}

// PurchaseEvent is a decoded FlipPackagePurchased log.
type PurchaseEvent struct {
	SessionID int64
	Buyer     common.Address
	Flips     int64
	TxHash    common.Hash
	LogIndex  uint
}

// Key is the deduplication key shared by the live and backfill paths.
func (e PurchaseEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// parsePurchase decodes a FlipPackagePurchased log.
func parsePurchase(lg types.Log) (PurchaseEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != purchaseEventID {
		return PurchaseEvent{}, ErrUnparsableEvent
	}

	values, err := sessionsABI.Unpack("FlipPackagePurchased", lg.Data)
	if err != nil || len(values) != 2 {
		return PurchaseEvent{}, ErrUnparsableEvent
	}

	flips, ok := values[0].(*big.Int)
	if !ok || !flips.IsInt64() || flips.Int64() < 1 {
		return PurchaseEvent{}, ErrUnparsableEvent
	}

	return PurchaseEvent{
		SessionID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(),
		Buyer:     common.BytesToAddress(lg.Topics[2].Bytes()),
		Flips:     flips.Int64(),
		TxHash:    lg.TxHash,
		LogIndex:  lg.Index,
	}, nil
}
