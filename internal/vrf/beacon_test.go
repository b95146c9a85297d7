package vrf

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBeaconServer(t *testing.T, round *atomic.Uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != beaconLatestPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(BeaconRound{
			Round:      round.Load(),
			Randomness: "8f4a1a0e1b0c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBeaconDeliversAfterConfirmations(t *testing.T) {
	var round atomic.Uint64
	round.Store(10)
	srv := newBeaconServer(t, &round)

	consumer := &recordingConsumer{}
	b := NewBeacon(BeaconOptions{BaseURL: srv.URL, Address: consumerAddr, Timeout: time.Second}, zerolog.Nop())
	b.Register(consumerAddr, consumer)

	req := testRequest(0)
	req.MinConfirmations = 2
	id, err := b.RequestRandomWords(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id.Uint64())

	delivered, err := b.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, b.Pending())

	round.Store(12)
	delivered, err = b.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, b.Pending())

	require.Equal(t, 1, consumer.count())
	assert.Equal(t, id, consumer.deliveries[0].id)
	assert.Len(t, consumer.deliveries[0].words, 1)
	assert.NotEqual(t, uint256.Int{}, consumer.deliveries[0].words[0])
}

func TestBeaconRejectsUnregisteredConsumer(t *testing.T) {
	var round atomic.Uint64
	round.Store(1)
	srv := newBeaconServer(t, &round)

	b := NewBeacon(BeaconOptions{BaseURL: srv.URL}, zerolog.Nop())
	_, err := b.RequestRandomWords(context.Background(), testRequest(0))
	require.ErrorIs(t, err, ErrInvalidConsumer)
}

func TestBeaconHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	b := NewBeacon(BeaconOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	b.Register(consumerAddr, &recordingConsumer{})

	_, err := b.Latest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance")

	_, err = b.RequestRandomWords(context.Background(), testRequest(0))
	require.NoError(t, err)

	_, err = b.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, b.Pending())
}

func TestBeaconRequestDoesNotWaitForBeacon(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	defer close(release)

	b := NewBeacon(BeaconOptions{BaseURL: srv.URL, Timeout: 5 * time.Second}, zerolog.Nop())
	b.Register(consumerAddr, &recordingConsumer{})

	start := time.Now()
	_, err := b.RequestRandomWords(context.Background(), testRequest(0))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 1, b.Pending())
}

func TestBeaconResume(t *testing.T) {
	var round atomic.Uint64
	round.Store(5)
	srv := newBeaconServer(t, &round)

	consumer := &recordingConsumer{}
	b := NewBeacon(BeaconOptions{BaseURL: srv.URL, Address: consumerAddr, Timeout: time.Second}, zerolog.Nop())
	b.Register(consumerAddr, consumer)

	req := testRequest(0)
	req.MinConfirmations = 1
	require.NoError(t, b.Resume(context.Background(), req, *uint256.NewInt(4)))
	assert.Equal(t, 1, b.Pending())

	next, err := b.RequestRandomWords(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next.Uint64())

	// the resumed request targets round 6; the new one is anchored at 6 and targets 7
	round.Store(6)
	delivered, err := b.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(4), consumer.deliveries[0].id.Uint64())

	round.Store(7)
	delivered, err = b.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(5), consumer.deliveries[1].id.Uint64())
}
