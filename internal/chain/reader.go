package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"vrf-raffle/internal/raffle"
)

const raffleABIJSON = `[
{"inputs":[],"name":"getEntranceFee","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getNumberOfPlayers","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"index","type":"uint256"}],"name":"getPlayer","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getsRecentWinner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getRaffleState","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getLastTimestamp","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getInterval","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var raffleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(raffleABIJSON))
	if err != nil {
		panic("failed to parse raffle ABI: " + err.Error())
	}
	raffleABI = parsed
}

// Backend is the subset of ethclient.Client the reader needs.
type Backend interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options parameterise the reader.
type Options struct {
	RPCURL        string
	RaffleAddress string
	Timeout       time.Duration
}

// Status is a point-in-time view of a deployed raffle contract.
type Status struct {
	Address       common.Address
	BlockNumber   uint64
	EntranceFee   *big.Int
	Players       uint64
	State         raffle.State
	LastTimestamp time.Time
	Interval      time.Duration
	RecentWinner  common.Address
	Balance       *big.Int
}

// Reader queries a deployed raffle over Ethereum RPC.
type Reader struct {
	opts      Options
	logger    zerolog.Logger
	backend   Backend
	clientMux sync.Mutex
}

// NewReader builds a reader that dials opts.RPCURL lazily.
func NewReader(opts Options, logger zerolog.Logger) *Reader {
	return &Reader{opts: opts, logger: logger.With().Str("component", "chain_reader").Logger()}
}

// NewReaderWithBackend builds a reader on an existing backend.
func NewReaderWithBackend(opts Options, backend Backend, logger zerolog.Logger) *Reader {
	r := NewReader(opts, logger)
	r.backend = backend
	return r
}

// Status reads every getter plus the contract balance at the latest block.
func (r *Reader) Status(ctx context.Context) (Status, error) {
	ctx, cancel, backend, addr, err := r.prepare(ctx)
	if err != nil {
		return Status{}, err
	}
	defer cancel()

	block, err := backend.BlockNumber(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("block number: %w", err)
	}
	at := new(big.Int).SetUint64(block)

	st := Status{Address: addr, BlockNumber: block}
	if st.EntranceFee, err = callUint(ctx, backend, addr, at, "getEntranceFee"); err != nil {
		return Status{}, err
	}
	players, err := callUint(ctx, backend, addr, at, "getNumberOfPlayers")
	if err != nil {
		return Status{}, err
	}
	st.Players = players.Uint64()

	out, err := call(ctx, backend, addr, at, "getRaffleState")
	if err != nil {
		return Status{}, err
	}
	state, ok := out[0].(uint8)
	if !ok {
		return Status{}, errors.New("failed to decode getRaffleState output")
	}
	st.State = raffle.State(state)

	last, err := callUint(ctx, backend, addr, at, "getLastTimestamp")
	if err != nil {
		return Status{}, err
	}
	st.LastTimestamp = time.Unix(last.Int64(), 0).UTC()

	interval, err := callUint(ctx, backend, addr, at, "getInterval")
	if err != nil {
		return Status{}, err
	}
	st.Interval = time.Duration(interval.Int64()) * time.Second

	if st.RecentWinner, err = callAddress(ctx, backend, addr, at, "getsRecentWinner"); err != nil {
		return Status{}, err
	}

	if st.Balance, err = backend.BalanceAt(ctx, addr, at); err != nil {
		return Status{}, fmt.Errorf("balance: %w", err)
	}

	r.logger.Debug().
		Uint64("block", block).
		Uint64("players", st.Players).
		Str("state", st.State.String()).
		Msg("raffle status read")
	return st, nil
}

// Player reads the entrant at index.
func (r *Reader) Player(ctx context.Context, index uint64) (common.Address, error) {
	ctx, cancel, backend, addr, err := r.prepare(ctx)
	if err != nil {
		return common.Address{}, err
	}
	defer cancel()
	return callAddress(ctx, backend, addr, nil, "getPlayer", new(big.Int).SetUint64(index))
}

func (r *Reader) prepare(ctx context.Context) (context.Context, context.CancelFunc, Backend, common.Address, error) {
	if r.backend == nil && r.opts.RPCURL == "" {
		return nil, nil, nil, common.Address{}, errors.New("ethereum rpc url not configured")
	}
	if r.opts.RaffleAddress == "" {
		return nil, nil, nil, common.Address{}, errors.New("raffle contract address not configured")
	}
	if !common.IsHexAddress(r.opts.RaffleAddress) {
		return nil, nil, nil, common.Address{}, fmt.Errorf("raffle address %q is not a hex address", r.opts.RaffleAddress)
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	backend, err := r.getBackend(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, common.Address{}, err
	}
	return ctx, cancel, backend, common.HexToAddress(r.opts.RaffleAddress), nil
}

func (r *Reader) getBackend(ctx context.Context) (Backend, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.backend != nil {
		return r.backend, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.backend = client
	return client, nil
}

func call(ctx context.Context, backend Backend, addr common.Address, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := raffleABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := raffleABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

func callUint(ctx context.Context, backend Backend, addr common.Address, block *big.Int, method string) (*big.Int, error) {
	out, err := call(ctx, backend, addr, block, method)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

func callAddress(ctx context.Context, backend Backend, addr common.Address, block *big.Int, method string, args ...interface{}) (common.Address, error) {
	out, err := call(ctx, backend, addr, block, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

var _ Backend = (*ethclient.Client)(nil)
