package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

var (
	ErrMalformedSignature = errors.New("auth: malformed signature")
	ErrInvalidSignature   = errors.New("auth: signature verification failed")
	ErrNoPendingNonce     = errors.New("auth: no pending nonce for address")
)

// erc1271Magic is the isValidSignature success return value.
var erc1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

const (
	erc1271ABIJSON = `[{"name":"isValidSignature","type":"function","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}]`
	erc6492ABIJSON = `[{"name":"isValidSig","type":"function","stateMutability":"nonpayable","inputs":[{"name":"signer","type":"address"},{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}]`
)

var (
	erc1271ABI = mustParseABI(erc1271ABIJSON)
	erc6492ABI = mustParseABI(erc6492ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainCaller is the read-only chain surface signature validation needs.
// *ethclient.Client satisfies it.
type ChainCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Verifier validates personal_sign signatures for both externally-owned
// accounts and smart-contract wallets.
type Verifier struct {
	logger logging.Logger
	caller ChainCaller

	// validator is the ERC-6492 universal validator used for wallets whose
	// own isValidSignature does not answer. Zero address disables the
	// fallback.
	validator common.Address
}

// NewVerifier builds a verifier backed by the given chain caller.
func NewVerifier(logger logging.Logger, caller ChainCaller, validator common.Address) *Verifier {
	return &Verifier{
		logger:    logging.ForComponent(logger, logging.ComponentAuthVerifier),
		caller:    caller,
		validator: validator,
	}
}

// RecoverAddress recovers the signing address of a 65-byte personal_sign
// signature over message. The recovery id accepts both the legacy 27/28 and
// the raw 0/1 encodings.
func RecoverAddress(message string, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrMalformedSignature
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, ErrMalformedSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), normalized)
	if err != nil {
		return common.Address{}, ErrMalformedSignature
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signature proves control of address over message.
// EOA signatures are verified locally; if the address hosts code, or the
// 65-byte recovery does not match, on-chain validation is attempted via
// ERC-1271 and then the ERC-6492 universal validator.
func (v *Verifier) Verify(ctx context.Context, address common.Address, message string, signature []byte) error {
	if len(signature) == 0 {
		authVerifications.WithLabelValues(logging.ResultFailure).Inc()
		return ErrMalformedSignature
	}

	if len(signature) == 65 {
		recovered, err := RecoverAddress(message, signature)
		if err == nil && recovered == address {
			authVerifications.WithLabelValues(logging.ResultSuccess).Inc()
			return nil
		}
	}

	hash := accounts.TextHash([]byte(message))

	if v.isContract(ctx, address) {
		if v.callERC1271(ctx, address, hash, signature) {
			authVerifications.WithLabelValues(logging.ResultSuccess).Inc()
			return nil
		}
	}

	if v.validator != (common.Address{}) && v.callERC6492(ctx, address, hash, signature) {
		authVerifications.WithLabelValues(logging.ResultSuccess).Inc()
		return nil
	}

	authVerifications.WithLabelValues(logging.ResultFailure).Inc()
	return ErrInvalidSignature
}

func (v *Verifier) isContract(ctx context.Context, address common.Address) bool {
	if v.caller == nil {
		return false
	}
	code, err := v.caller.CodeAt(ctx, address, nil)
	if err != nil {
		v.logger.Warn().Err(err).Str(logging.FieldAddress, address.Hex()).Msg("failed to fetch account code")
		return false
	}
	return len(code) > 0
}

func (v *Verifier) callERC1271(ctx context.Context, wallet common.Address, hash []byte, signature []byte) bool {
	data, err := erc1271ABI.Pack("isValidSignature", common.BytesToHash(hash), signature)
	if err != nil {
		return false
	}

	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		v.logger.Debug().Err(err).Str(logging.FieldAddress, wallet.Hex()).Msg("erc1271 call failed")
		return false
	}

	return len(out) >= 4 && bytes.Equal(out[:4], erc1271Magic[:])
}

func (v *Verifier) callERC6492(ctx context.Context, signer common.Address, hash []byte, signature []byte) bool {
	data, err := erc6492ABI.Pack("isValidSig", signer, common.BytesToHash(hash), signature)
	if err != nil {
		return false
	}

	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &v.validator, Data: data}, nil)
	if err != nil {
		v.logger.Debug().Err(err).Str(logging.FieldAddress, signer.Hex()).Msg("erc6492 validator call failed")
		return false
	}

	return len(out) >= 4 && bytes.Equal(out[:4], erc1271Magic[:])
}

// DecodeSignature parses a hex signature string, with or without the 0x
// prefix.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, ErrMalformedSignature
	}
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedSignature
	}
	return sig, nil
}
