package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrSubscriptionClosed signals the purchase-event subscription ended
	// and must be re-established.
	ErrSubscriptionClosed = errors.New("chain: event subscription closed")

	// ErrUnparsableEvent signals a log that matched the purchase topic but
	// could not be decoded.
	ErrUnparsableEvent = errors.New("chain: unparsable purchase event")
)

// RevertedError reports a transaction that mined but reverted.
type RevertedError struct {
	Method string
	TxHash common.Hash
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("chain: %s reverted (tx %s)", e.Method, e.TxHash.Hex())
}
