package vrf

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// retryUnfunded is how often Run retries requests whose subscription ran dry.
const retryUnfunded = 5 * time.Second

// DefaultMockAddress is where a fresh local node deploys its first contract.
var DefaultMockAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// MockOptions parameterise the local coordinator.
type MockOptions struct {
	Address common.Address
	// BaseFee is charged per fulfillment, in juels.
	BaseFee *big.Int
	// GasPriceLink is multiplied by the callback gas limit.
	GasPriceLink *big.Int
	// FulfillDelay is how long Run waits before answering a request.
	FulfillDelay time.Duration
}

type subscription struct {
	balance   *big.Int
	consumers map[common.Address]Consumer
}

type mockRequest struct {
	id          uint256.Int
	subID       uint64
	consumer    common.Address
	gasLimit    uint32
	numWords    uint32
	requestedAt time.Time
}

// Mock is an in-process coordinator modelled on the local VRF coordinator
// used for development networks.
type Mock struct {
	opts   MockOptions
	logger zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	nextSubID     uint64
	nextRequestID uint64
	subs          map[uint64]*subscription
	requests      map[uint256.Int]*mockRequest
	wake          chan struct{}
}

// NewMock constructs a mock coordinator.
func NewMock(opts MockOptions, logger zerolog.Logger) *Mock {
	if opts.Address == (common.Address{}) {
		opts.Address = DefaultMockAddress
	}
	if opts.BaseFee == nil {
		opts.BaseFee = new(big.Int)
	}
	if opts.GasPriceLink == nil {
		opts.GasPriceLink = new(big.Int)
	}
	return &Mock{
		opts:     opts,
		logger:   logger.With().Str("component", "vrf_mock").Logger(),
		now:      time.Now,
		subs:     map[uint64]*subscription{},
		requests: map[uint256.Int]*mockRequest{},
		wake:     make(chan struct{}, 1),
	}
}

// Address is the caller identity used when delivering words.
func (m *Mock) Address() common.Address {
	return m.opts.Address
}

// CreateSubscription opens an empty subscription and returns its id.
func (m *Mock) CreateSubscription() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	m.subs[m.nextSubID] = &subscription{
		balance:   new(big.Int),
		consumers: map[common.Address]Consumer{},
	}
	m.logger.Info().Uint64("sub_id", m.nextSubID).Msg("subscription created")
	return m.nextSubID
}

// FundSubscription adds amount to the subscription balance.
func (m *Mock) FundSubscription(subID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: fund amount must be positive", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	sub.balance = new(big.Int).Add(sub.balance, amount)
	return nil
}

// AddConsumer authorises addr to request against subID and registers where to deliver.
func (m *Mock) AddConsumer(subID uint64, addr common.Address, consumer Consumer) error {
	if consumer == nil {
		return fmt.Errorf("%w: nil consumer", ErrInvalidConsumer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	sub.consumers[addr] = consumer
	return nil
}

// SubscriptionBalance returns the remaining funds of subID.
func (m *Mock) SubscriptionBalance(subID uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	return new(big.Int).Set(sub.balance), nil
}

// RequestRandomWords queues a request. Ids start at 1.
func (m *Mock) RequestRandomWords(ctx context.Context, req Request) (uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return uint256.Int{}, err
	}
	if err := req.Validate(); err != nil {
		return uint256.Int{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[req.SubscriptionID]
	if !ok {
		return uint256.Int{}, fmt.Errorf("%w: %d", ErrInvalidSubscription, req.SubscriptionID)
	}
	if _, ok := sub.consumers[req.Consumer]; !ok {
		return uint256.Int{}, fmt.Errorf("%w: %s", ErrInvalidConsumer, req.Consumer.Hex())
	}

	m.nextRequestID++
	id := *uint256.NewInt(m.nextRequestID)
	m.requests[id] = &mockRequest{
		id:          id,
		subID:       req.SubscriptionID,
		consumer:    req.Consumer,
		gasLimit:    req.CallbackGasLimit,
		numWords:    req.NumWords,
		requestedAt: m.now(),
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Info().
		Str("request_id", id.Dec()).
		Uint64("sub_id", req.SubscriptionID).
		Str("consumer", req.Consumer.Hex()).
		Msg("random words requested")
	return id, nil
}

// Resume re-queues a request issued by an earlier process under its original id.
func (m *Mock) Resume(req Request, requestID uint256.Int) error {
	if err := req.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[req.SubscriptionID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, req.SubscriptionID)
	}
	if _, ok := sub.consumers[req.Consumer]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidConsumer, req.Consumer.Hex())
	}
	if _, ok := m.requests[requestID]; ok {
		return fmt.Errorf("%w: request %s already pending", ErrInvalidRequest, requestID.Dec())
	}
	if !requestID.IsUint64() {
		return fmt.Errorf("%w: request id %s out of range", ErrInvalidRequest, requestID.Dec())
	}

	m.requests[requestID] = &mockRequest{
		id:          requestID,
		subID:       req.SubscriptionID,
		consumer:    req.Consumer,
		gasLimit:    req.CallbackGasLimit,
		numWords:    req.NumWords,
		requestedAt: m.now(),
	}
	if n := requestID.Uint64(); n > m.nextRequestID {
		m.nextRequestID = n
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.logger.Info().Str("request_id", requestID.Dec()).Msg("pending request resumed")
	return nil
}

// Pending lists outstanding request ids in issue order.
func (m *Mock) Pending() []uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint256.Int, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Lt(&ids[j]) })
	return ids
}

// FulfillRandomWords answers requestID with words derived from the id.
func (m *Mock) FulfillRandomWords(ctx context.Context, requestID uint256.Int) error {
	return m.fulfill(ctx, requestID, nil)
}

// FulfillRandomWordsWithOverride answers requestID with caller-chosen words.
func (m *Mock) FulfillRandomWordsWithOverride(ctx context.Context, requestID uint256.Int, words []uint256.Int) error {
	if len(words) == 0 {
		return fmt.Errorf("%w: override words required", ErrInvalidRequest)
	}
	return m.fulfill(ctx, requestID, words)
}

func (m *Mock) fulfill(ctx context.Context, requestID uint256.Int, override []uint256.Int) error {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNonexistentRequest, requestID.Dec())
	}
	sub := m.subs[req.subID]
	payment := m.payment(req.gasLimit)
	if sub.balance.Cmp(payment) < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sub.balance, payment)
	}
	sub.balance = new(big.Int).Sub(sub.balance, payment)
	consumer := sub.consumers[req.consumer]
	delete(m.requests, requestID)
	m.mu.Unlock()

	words := override
	if words == nil {
		words = ExpandWords(nil, requestID, req.numWords)
	}

	err := consumer.RawFulfillRandomWords(ctx, m.opts.Address, requestID, words)
	m.logger.Info().
		Str("request_id", requestID.Dec()).
		Str("payment", payment.String()).
		Bool("success", err == nil).
		Msg("random words fulfilled")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCallbackFailed, err)
	}
	return nil
}

func (m *Mock) payment(gasLimit uint32) *big.Int {
	gas := new(big.Int).Mul(m.opts.GasPriceLink, new(big.Int).SetUint64(uint64(gasLimit)))
	return gas.Add(gas, m.opts.BaseFee)
}

// Run answers requests once they are FulfillDelay old, until ctx is cancelled.
func (m *Mock) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		wait := m.fulfillDue(ctx)
		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// fulfillDue answers every due request and returns the wait until the next one.
func (m *Mock) fulfillDue(ctx context.Context) time.Duration {
	now := m.now()
	var next time.Duration
	for _, id := range m.Pending() {
		m.mu.Lock()
		req, ok := m.requests[id]
		var due time.Time
		if ok {
			due = req.requestedAt.Add(m.opts.FulfillDelay)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}

		if wait := due.Sub(now); wait > 0 {
			if next == 0 || wait < next {
				next = wait
			}
			continue
		}
		if err := m.FulfillRandomWords(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("request_id", id.Dec()).Msg("auto fulfillment failed")
			if errors.Is(err, ErrInsufficientBalance) && (next == 0 || retryUnfunded < next) {
				next = retryUnfunded
			}
		}
	}
	return next
}
