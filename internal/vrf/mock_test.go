package vrf

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var consumerAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

type delivery struct {
	caller common.Address
	id     uint256.Int
	words  []uint256.Int
}

type recordingConsumer struct {
	mu         sync.Mutex
	deliveries []delivery
	err        error
}

func (r *recordingConsumer) RawFulfillRandomWords(_ context.Context, caller common.Address, id uint256.Int, words []uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{caller: caller, id: id, words: words})
	return r.err
}

func (r *recordingConsumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func testRequest(subID uint64) Request {
	return Request{
		Consumer:         consumerAddr,
		SubscriptionID:   subID,
		MinConfirmations: 3,
		CallbackGasLimit: 500_000,
		NumWords:         1,
	}
}

func newFundedMock(t *testing.T, consumer Consumer) (*Mock, uint64) {
	t.Helper()
	m := NewMock(MockOptions{
		BaseFee:      big.NewInt(250),
		GasPriceLink: big.NewInt(1),
	}, zerolog.Nop())
	subID := m.CreateSubscription()
	require.NoError(t, m.FundSubscription(subID, big.NewInt(10_000_000)))
	require.NoError(t, m.AddConsumer(subID, consumerAddr, consumer))
	return m, subID
}

func TestMockRequestIDsStartAtOne(t *testing.T) {
	m, subID := newFundedMock(t, &recordingConsumer{})

	first, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)
	second, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Uint64())
	assert.Equal(t, uint64(2), second.Uint64())
	assert.Equal(t, []uint256.Int{first, second}, m.Pending())
}

func TestMockRequestValidation(t *testing.T) {
	m, subID := newFundedMock(t, &recordingConsumer{})

	req := testRequest(subID + 1)
	_, err := m.RequestRandomWords(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidSubscription)

	req = testRequest(subID)
	req.Consumer = common.HexToAddress("0x1")
	_, err = m.RequestRandomWords(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidConsumer)

	req = testRequest(subID)
	req.NumWords = MaxNumWords + 1
	_, err = m.RequestRandomWords(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = testRequest(subID)
	req.CallbackGasLimit = MaxCallbackGasLimit + 1
	_, err = m.RequestRandomWords(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMockFulfillNonexistentRequest(t *testing.T) {
	m, _ := newFundedMock(t, &recordingConsumer{})

	for _, id := range []uint64{0, 1} {
		err := m.FulfillRandomWords(context.Background(), *uint256.NewInt(id))
		require.ErrorIs(t, err, ErrNonexistentRequest)
	}
}

func TestMockFulfillDeliversDerivedWords(t *testing.T) {
	consumer := &recordingConsumer{}
	m, subID := newFundedMock(t, consumer)

	id, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)
	require.NoError(t, m.FulfillRandomWords(context.Background(), id))

	require.Equal(t, 1, consumer.count())
	got := consumer.deliveries[0]
	assert.Equal(t, m.Address(), got.caller)
	assert.Equal(t, id, got.id)
	require.Len(t, got.words, 1)

	var encoded [64]byte
	idBytes := id.Bytes32()
	copy(encoded[:32], idBytes[:])
	var want uint256.Int
	want.SetBytes32(crypto.Keccak256(encoded[:]))
	assert.Equal(t, want, got.words[0])

	balance, err := m.SubscriptionBalance(subID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000-250-500_000), balance.Int64())

	err = m.FulfillRandomWords(context.Background(), id)
	require.ErrorIs(t, err, ErrNonexistentRequest)
	assert.Equal(t, 1, consumer.count())
}

func TestMockFulfillWithOverride(t *testing.T) {
	consumer := &recordingConsumer{}
	m, subID := newFundedMock(t, consumer)

	id, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)

	err = m.FulfillRandomWordsWithOverride(context.Background(), id, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	words := []uint256.Int{*uint256.NewInt(7)}
	require.NoError(t, m.FulfillRandomWordsWithOverride(context.Background(), id, words))
	assert.Equal(t, words, consumer.deliveries[0].words)
}

func TestMockFulfillInsufficientBalance(t *testing.T) {
	consumer := &recordingConsumer{}
	m := NewMock(MockOptions{BaseFee: big.NewInt(100)}, zerolog.Nop())
	subID := m.CreateSubscription()
	require.NoError(t, m.AddConsumer(subID, consumerAddr, consumer))

	id, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)

	err = m.FulfillRandomWords(context.Background(), id)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, []uint256.Int{id}, m.Pending())

	require.NoError(t, m.FundSubscription(subID, big.NewInt(100)))
	require.NoError(t, m.FulfillRandomWords(context.Background(), id))
	assert.Empty(t, m.Pending())
}

func TestMockFulfillCallbackFailureDropsRequest(t *testing.T) {
	consumer := &recordingConsumer{err: errors.New("transfer failed")}
	m, subID := newFundedMock(t, consumer)

	id, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)

	err = m.FulfillRandomWords(context.Background(), id)
	require.ErrorIs(t, err, ErrCallbackFailed)
	assert.Empty(t, m.Pending())
}

func TestMockRunAutoFulfills(t *testing.T) {
	consumer := &recordingConsumer{}
	m, subID := newFundedMock(t, consumer)
	m.opts.FulfillDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return consumer.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestExpandWordsDependsOnSeed(t *testing.T) {
	id := *uint256.NewInt(1)
	a := ExpandWords([]byte{1}, id, 3)
	b := ExpandWords([]byte{2}, id, 3)

	require.Len(t, a, 3)
	assert.NotEqual(t, a[0], a[1])
	assert.NotEqual(t, a[0], b[0])
	assert.Equal(t, a, ExpandWords([]byte{1}, id, 3))
}

func TestMockResumeKeepsOriginalID(t *testing.T) {
	consumer := &recordingConsumer{}
	m, subID := newFundedMock(t, consumer)

	require.NoError(t, m.Resume(testRequest(subID), *uint256.NewInt(7)))
	assert.Error(t, m.Resume(testRequest(subID), *uint256.NewInt(7)))

	next, err := m.RequestRandomWords(context.Background(), testRequest(subID))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next.Uint64())

	require.NoError(t, m.FulfillRandomWords(context.Background(), *uint256.NewInt(7)))
	require.Equal(t, 1, consumer.count())
	assert.Equal(t, uint64(7), consumer.deliveries[0].id.Uint64())
}
