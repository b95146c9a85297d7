package raffle

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrf-raffle/internal/vrf"
)

func TestEnterNotBlockedByBeaconRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	beacon := vrf.NewBeacon(vrf.BeaconOptions{
		BaseURL: srv.URL,
		Address: coordinatorAddr,
		Timeout: 5 * time.Second,
	}, zerolog.Nop())

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	engine, err := NewEngine(Config{
		Address:              engineAddr,
		EntranceFee:          big.NewInt(1),
		Interval:             testInterval,
		Coordinator:          coordinatorAddr,
		GasLane:              common.HexToHash("0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"),
		SubscriptionID:       1,
		RequestConfirmations: 3,
		CallbackGasLimit:     500_000,
	}, beacon, NewLedger(), WithClock(clock.Now))
	require.NoError(t, err)
	beacon.Register(engineAddr, engine)

	require.NoError(t, engine.Enter(context.Background(), playerA, big.NewInt(1)))
	clock.Advance(testInterval)

	performed := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_, err := engine.PerformUpkeep(context.Background(), nil)
		assert.NoError(t, err)
		performed <- time.Since(start)
	}()

	start := time.Now()
	err = engine.Enter(context.Background(), playerB, big.NewInt(1))
	if err != nil && !errors.Is(err, ErrRaffleNotOpen) {
		t.Fatalf("unexpected enter error: %v", err)
	}
	assert.Less(t, time.Since(start), time.Second)

	select {
	case took := <-performed:
		assert.Less(t, took, time.Second)
	case <-time.After(time.Second):
		t.Fatal("PerformUpkeep waited on the beacon")
	}

	assert.Equal(t, StateCalculating, engine.State())
	assert.Equal(t, 1, beacon.Pending())
	assert.Equal(t, int32(0), hits.Load())
}
