package vrf

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const beaconLatestPath = "/public/latest"

// BeaconOptions parameterise the HTTP randomness beacon coordinator.
type BeaconOptions struct {
	BaseURL      string
	Address      common.Address
	Timeout      time.Duration
	PollInterval time.Duration
	UserAgent    string
}

// BeaconRound is one published beacon value.
type BeaconRound struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
	Signature  string `json:"signature,omitempty"`
}

type beaconRequest struct {
	id            uint256.Int
	consumer      common.Address
	numWords      uint32
	confirmations uint64
	// target is zero until a poll observes the beacon after the request.
	target uint64
}

// Beacon serves requests from a drand-style public randomness beacon. A
// request is answered with the first round at least MinConfirmations past the
// round seen by the first poll after it was issued.
type Beacon struct {
	opts    BeaconOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	mu        sync.Mutex
	next      uint64
	pending   map[uint256.Int]*beaconRequest
	consumers map[common.Address]Consumer
}

// NewBeacon constructs a beacon coordinator.
func NewBeacon(opts BeaconOptions, logger zerolog.Logger) *Beacon {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.drand.sh"
	}

	return &Beacon{
		opts:      opts,
		logger:    logger.With().Str("component", "vrf_beacon").Logger(),
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		pending:   map[uint256.Int]*beaconRequest{},
		consumers: map[common.Address]Consumer{},
	}
}

// Address is the caller identity used when delivering words.
func (b *Beacon) Address() common.Address {
	return b.opts.Address
}

// Register sets where words for addr are delivered.
func (b *Beacon) Register(addr common.Address, consumer Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[addr] = consumer
}

// RequestRandomWords queues a request. It does no network I/O; the target
// round is fixed by the next Poll.
func (b *Beacon) RequestRandomWords(ctx context.Context, req Request) (uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return uint256.Int{}, err
	}
	if err := req.Validate(); err != nil {
		return uint256.Int{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[req.Consumer]; !ok {
		return uint256.Int{}, fmt.Errorf("%w: %s", ErrInvalidConsumer, req.Consumer.Hex())
	}

	b.next++
	id := *uint256.NewInt(b.next)
	b.pending[id] = &beaconRequest{
		id:            id,
		consumer:      req.Consumer,
		numWords:      req.NumWords,
		confirmations: confirmationsOf(req),
	}

	b.logger.Info().
		Str("request_id", id.Dec()).
		Str("consumer", req.Consumer.Hex()).
		Msg("random words requested")
	return id, nil
}

// Resume re-queues a request issued by an earlier process. It is answered
// with the first round at least MinConfirmations past the current one.
func (b *Beacon) Resume(ctx context.Context, req Request, requestID uint256.Int) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !requestID.IsUint64() {
		return fmt.Errorf("%w: request id %s out of range", ErrInvalidRequest, requestID.Dec())
	}

	latest, err := b.Latest(ctx)
	if err != nil {
		return fmt.Errorf("fetch beacon round: %w", err)
	}
	confirmations := confirmationsOf(req)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[req.Consumer]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidConsumer, req.Consumer.Hex())
	}
	if _, ok := b.pending[requestID]; ok {
		return fmt.Errorf("%w: request %s already pending", ErrInvalidRequest, requestID.Dec())
	}
	b.pending[requestID] = &beaconRequest{
		id:            requestID,
		consumer:      req.Consumer,
		numWords:      req.NumWords,
		confirmations: confirmations,
		target:        latest.Round + confirmations,
	}
	if n := requestID.Uint64(); n > b.next {
		b.next = n
	}
	b.logger.Info().Str("request_id", requestID.Dec()).Msg("pending request resumed")
	return nil
}

// Latest fetches the most recent beacon round.
func (b *Beacon) Latest(ctx context.Context) (BeaconRound, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+beaconLatestPath, nil)
	if err != nil {
		return BeaconRound{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return BeaconRound{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return BeaconRound{}, err
	}
	if resp.StatusCode != http.StatusOK {
		if len(payload) > 0 {
			return BeaconRound{}, fmt.Errorf("beacon error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return BeaconRound{}, fmt.Errorf("beacon error (%d)", resp.StatusCode)
	}

	var round BeaconRound
	if err := json.Unmarshal(payload, &round); err != nil {
		return BeaconRound{}, fmt.Errorf("decode beacon round: %w", err)
	}
	if round.Round == 0 || round.Randomness == "" {
		return BeaconRound{}, errors.New("beacon returned empty round")
	}
	return round, nil
}

// Poll delivers every request whose target round has been published and
// returns how many were delivered. Consumer failures are logged and the
// request is dropped.
func (b *Beacon) Poll(ctx context.Context) (int, error) {
	b.mu.Lock()
	empty := len(b.pending) == 0
	b.mu.Unlock()
	if empty {
		return 0, nil
	}

	latest, err := b.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch beacon round: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(latest.Randomness, "0x"))
	if err != nil {
		return 0, fmt.Errorf("decode beacon randomness: %w", err)
	}

	due := b.takeDue(latest.Round)
	delivered := 0
	for _, req := range due {
		b.mu.Lock()
		consumer := b.consumers[req.consumer]
		b.mu.Unlock()

		words := ExpandWords(seed, req.id, req.numWords)
		if err := consumer.RawFulfillRandomWords(ctx, b.opts.Address, req.id, words); err != nil {
			b.logger.Error().Err(err).
				Str("request_id", req.id.Dec()).
				Uint64("round", latest.Round).
				Msg("consumer rejected beacon randomness")
			continue
		}
		delivered++
		b.logger.Info().
			Str("request_id", req.id.Dec()).
			Uint64("round", latest.Round).
			Msg("random words fulfilled")
	}
	return delivered, nil
}

// takeDue fixes the target of new requests and removes those already due.
func (b *Beacon) takeDue(round uint64) []*beaconRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	due := make([]*beaconRequest, 0)
	for id, req := range b.pending {
		if req.target == 0 {
			req.target = round + req.confirmations
			b.logger.Debug().
				Str("request_id", id.Dec()).
				Uint64("target_round", req.target).
				Msg("beacon target fixed")
			continue
		}
		if req.target <= round {
			due = append(due, req)
			delete(b.pending, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id.Lt(&due[j].id) })
	return due
}

func confirmationsOf(req Request) uint64 {
	if req.MinConfirmations == 0 {
		return 1
	}
	return uint64(req.MinConfirmations)
}

// Pending counts undelivered requests.
func (b *Beacon) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run polls the beacon until ctx is cancelled.
func (b *Beacon) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Poll(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("beacon poll failed")
			}
		}
	}
}
