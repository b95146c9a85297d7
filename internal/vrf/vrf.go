package vrf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// MaxNumWords caps the number of random words per request.
	MaxNumWords = 500
	// MaxCallbackGasLimit caps the gas budget of a fulfillment callback.
	MaxCallbackGasLimit = 2_500_000
	// MaxRequestConfirmations caps the confirmation depth of a request.
	MaxRequestConfirmations = 200
)

var (
	// ErrNonexistentRequest is returned when fulfilling an id the coordinator never issued or already served.
	ErrNonexistentRequest = errors.New("vrf: nonexistent request")
	// ErrInvalidSubscription indicates an unknown subscription id.
	ErrInvalidSubscription = errors.New("vrf: invalid subscription")
	// ErrInvalidConsumer indicates the requester is not registered on the subscription.
	ErrInvalidConsumer = errors.New("vrf: invalid consumer")
	// ErrInsufficientBalance indicates the subscription cannot pay for the fulfillment.
	ErrInsufficientBalance = errors.New("vrf: insufficient subscription balance")
	// ErrInvalidRequest wraps request parameter violations.
	ErrInvalidRequest = errors.New("vrf: invalid request")
	// ErrCallbackFailed indicates the consumer rejected the delivered words.
	ErrCallbackFailed = errors.New("vrf: consumer callback failed")
)

// Request carries the parameters of one randomness request.
type Request struct {
	Consumer         common.Address
	KeyHash          common.Hash
	SubscriptionID   uint64
	MinConfirmations uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// Validate checks the request against coordinator limits.
func (r Request) Validate() error {
	switch {
	case r.NumWords == 0:
		return fmt.Errorf("%w: num words must be greater than zero", ErrInvalidRequest)
	case r.NumWords > MaxNumWords:
		return fmt.Errorf("%w: num words %d exceeds %d", ErrInvalidRequest, r.NumWords, MaxNumWords)
	case r.CallbackGasLimit > MaxCallbackGasLimit:
		return fmt.Errorf("%w: callback gas limit %d exceeds %d", ErrInvalidRequest, r.CallbackGasLimit, MaxCallbackGasLimit)
	case r.MinConfirmations > MaxRequestConfirmations:
		return fmt.Errorf("%w: request confirmations %d exceeds %d", ErrInvalidRequest, r.MinConfirmations, MaxRequestConfirmations)
	}
	return nil
}

// Consumer receives fulfillments. caller identifies the delivering coordinator.
type Consumer interface {
	RawFulfillRandomWords(ctx context.Context, caller common.Address, requestID uint256.Int, randomWords []uint256.Int) error
}

// ExpandWords derives n words from a seed and request id: keccak256(seed ‖ id ‖ i).
func ExpandWords(seed []byte, requestID uint256.Int, n uint32) []uint256.Int {
	words := make([]uint256.Int, n)
	id := requestID.Bytes32()
	for i := uint32(0); i < n; i++ {
		var index [32]byte
		binary.BigEndian.PutUint32(index[28:], i)
		digest := crypto.Keccak256(seed, id[:], index[:])
		words[i].SetBytes32(digest)
	}
	return words
}
