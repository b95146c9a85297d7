package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vrf-raffle/internal/raffle"
)

var (
	contractAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	winnerAddr   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

type fakeBackend struct {
	values  map[string]interface{}
	players []common.Address
	balance *big.Int
	block   uint64
	failOn  string
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != contractAddr {
		return nil, errors.New("unexpected target")
	}
	method, err := raffleABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name == f.failOn {
		return nil, errors.New("execution reverted")
	}
	if method.Name == "getPlayer" {
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		idx := args[0].(*big.Int).Int64()
		if idx >= int64(len(f.players)) {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(f.players[idx])
	}
	return method.Outputs.Pack(f.values[method.Name])
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.block, nil
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		values: map[string]interface{}{
			"getEntranceFee":     big.NewInt(10_000_000_000_000_000),
			"getNumberOfPlayers": big.NewInt(2),
			"getRaffleState":     uint8(1),
			"getLastTimestamp":   big.NewInt(1_700_000_000),
			"getInterval":        big.NewInt(30),
			"getsRecentWinner":   winnerAddr,
		},
		players: []common.Address{winnerAddr, contractAddr},
		balance: big.NewInt(20_000_000_000_000_000),
		block:   42,
	}
}

func TestReaderStatus(t *testing.T) {
	reader := NewReaderWithBackend(Options{RaffleAddress: contractAddr.Hex()}, newFakeBackend(), zerolog.Nop())

	st, err := reader.Status(context.Background())
	if err != nil {
		t.Fatalf("Status should succeed: %v", err)
	}
	if st.BlockNumber != 42 {
		t.Fatalf("block = %d", st.BlockNumber)
	}
	if st.EntranceFee.String() != "10000000000000000" {
		t.Fatalf("entrance fee = %s", st.EntranceFee)
	}
	if st.Players != 2 {
		t.Fatalf("players = %d", st.Players)
	}
	if st.State != raffle.StateCalculating {
		t.Fatalf("state = %s", st.State)
	}
	if !st.LastTimestamp.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("last timestamp = %s", st.LastTimestamp)
	}
	if st.Interval != 30*time.Second {
		t.Fatalf("interval = %s", st.Interval)
	}
	if st.RecentWinner != winnerAddr {
		t.Fatalf("winner = %s", st.RecentWinner.Hex())
	}
	if st.Balance.String() != "20000000000000000" {
		t.Fatalf("balance = %s", st.Balance)
	}
}

func TestReaderPlayer(t *testing.T) {
	reader := NewReaderWithBackend(Options{RaffleAddress: contractAddr.Hex()}, newFakeBackend(), zerolog.Nop())

	got, err := reader.Player(context.Background(), 0)
	if err != nil {
		t.Fatalf("Player should succeed: %v", err)
	}
	if got != winnerAddr {
		t.Fatalf("player = %s", got.Hex())
	}
	if _, err := reader.Player(context.Background(), 5); err == nil {
		t.Fatal("out of range index should fail")
	}
}

func TestReaderPropagatesRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.failOn = "getInterval"
	reader := NewReaderWithBackend(Options{RaffleAddress: contractAddr.Hex()}, backend, zerolog.Nop())

	if _, err := reader.Status(context.Background()); err == nil {
		t.Fatal("revert should surface as an error")
	}
}

func TestReaderMissingConfig(t *testing.T) {
	reader := NewReader(Options{}, zerolog.Nop())
	if _, err := reader.Status(context.Background()); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	reader = NewReader(Options{RPCURL: "http://localhost"}, zerolog.Nop())
	if _, err := reader.Status(context.Background()); err == nil {
		t.Fatal("missing contract address should fail")
	}

	reader = NewReader(Options{RPCURL: "http://localhost", RaffleAddress: "nope"}, zerolog.Nop())
	if _, err := reader.Status(context.Background()); err == nil {
		t.Fatal("invalid contract address should fail")
	}
}
