package api

import (
	"bufio"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrf-raffle/internal/raffle"
	"vrf-raffle/internal/vrf"
)

var (
	engineAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	playerA    = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	playerB    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	fee        = big.NewInt(10_000_000_000_000_000)
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *raffle.Engine
	mock   *vrf.Mock
	ledger *raffle.Ledger
	clock  *clock
	server *Server
}

func newFixture(t *testing.T, withFulfiller bool) *fixture {
	t.Helper()
	mock := vrf.NewMock(vrf.MockOptions{}, zerolog.Nop())
	subID := mock.CreateSubscription()
	require.NoError(t, mock.FundSubscription(subID, big.NewInt(1_000_000)))

	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	ledger := raffle.NewLedger()
	engine, err := raffle.NewEngine(raffle.Config{
		Address:          engineAddr,
		EntranceFee:      fee,
		Interval:         30 * time.Second,
		Coordinator:      mock.Address(),
		SubscriptionID:   subID,
		CallbackGasLimit: 500_000,
	}, mock, ledger, raffle.WithClock(clk.Now))
	require.NoError(t, err)
	require.NoError(t, mock.AddConsumer(subID, engineAddr, engine))

	var fulfiller Fulfiller
	if withFulfiller {
		fulfiller = mock
	}
	server := NewServer(Options{Network: "hardhat"}, engine, fulfiller, zerolog.Nop())
	return &fixture{engine: engine, mock: mock, ledger: ledger, clock: clk, server: server}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestGetRaffleInitialState(t *testing.T) {
	f := newFixture(t, true)

	code, body := f.do(t, http.MethodGet, "/api/raffle", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OPEN", body["state"])
	assert.Equal(t, "10000000000000000", body["entrance_fee_wei"])
	assert.Equal(t, "0.01", body["entrance_fee_eth"])
	assert.EqualValues(t, 30, body["interval_seconds"])
	assert.EqualValues(t, 0, body["players"])
	assert.EqualValues(t, 1, body["round"])
	assert.Nil(t, body["recent_winner"])
	assert.Equal(t, false, body["upkeep_needed"])
}

func TestEnterValidatesPayment(t *testing.T) {
	f := newFixture(t, true)

	code, _ := f.do(t, http.MethodPost, "/api/raffle/enter", `{"player":"`+playerA.Hex()+`"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/raffle/enter", `{"player":"nope","value_eth":"0.01"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/raffle/enter", `{"player":"`+playerA.Hex()+`","value_eth":"0.01","value_wei":"1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPost, "/api/raffle/enter", `{"player":"`+playerA.Hex()+`","value_eth":"0.01"}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["players"])

	code, body = f.do(t, http.MethodPost, "/api/raffle/enter", `{"player":"`+playerB.Hex()+`","value_wei":"20000000000000000"}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["players"])
	assert.Equal(t, "30000000000000000", f.engine.Balance().String())
}

func TestGetPlayer(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Enter(context.Background(), playerA, fee))

	code, body := f.do(t, http.MethodGet, "/api/raffle/players/0", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, playerA.Hex(), body["player"])

	code, _ = f.do(t, http.MethodGet, "/api/raffle/players/1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/raffle/players/x", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUpkeepAndFulfillRound(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Enter(context.Background(), playerA, fee))
	require.NoError(t, f.engine.Enter(context.Background(), playerB, fee))

	code, body := f.do(t, http.MethodGet, "/api/raffle/upkeep?check_data=0x0102", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["upkeep_needed"])
	assert.Equal(t, "0x0102", body["perform_data"])

	code, _ = f.do(t, http.MethodPost, "/api/raffle/upkeep", "")
	assert.Equal(t, http.StatusConflict, code)

	f.clock.Advance(31 * time.Second)
	code, body = f.do(t, http.MethodGet, "/api/raffle/upkeep", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["upkeep_needed"])

	code, body = f.do(t, http.MethodPost, "/api/raffle/upkeep", `{"perform_data":"0x"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1", body["request_id"])

	code, _ = f.do(t, http.MethodPost, "/api/raffle/enter", `{"player":"`+playerA.Hex()+`","value_eth":"0.01"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, "/api/vrf/requests/99/fulfill", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/vrf/requests/abc/fulfill", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPost, "/api/vrf/requests/1/fulfill", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OPEN", body["state"])
	assert.EqualValues(t, 0, body["players"])
	assert.EqualValues(t, 2, body["round"])
	winner, ok := body["recent_winner"].(string)
	require.True(t, ok)
	assert.Contains(t, []string{playerA.Hex(), playerB.Hex()}, winner)
	assert.Equal(t, "20000000000000000", f.ledger.BalanceOf(common.HexToAddress(winner)).String())
}

func TestFulfillPayoutFailureMapsToBadGateway(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Enter(context.Background(), playerA, fee))
	f.ledger.Reject(playerA)
	f.clock.Advance(time.Minute)
	_, err := f.engine.PerformUpkeep(context.Background(), nil)
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodPost, "/api/vrf/requests/1/fulfill", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, raffle.StateCalculating, f.engine.State())
}

func TestFulfillWithoutMockIsNotFound(t *testing.T) {
	f := newFixture(t, false)
	code, _ := f.do(t, http.MethodPost, "/api/vrf/requests/1/fulfill", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	waitFor := func(event string) string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.TrimSpace(line) == "event:"+event {
				data, err := reader.ReadString('\n')
				require.NoError(t, err)
				return data
			}
		}
	}

	waitFor("snapshot")
	require.NoError(t, f.engine.Enter(context.Background(), playerA, fee))
	data := waitFor("entered")
	assert.Contains(t, data, playerA.Hex())
	assert.Contains(t, data, `"amount_eth":"0.01"`)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		raffle.ErrInsufficientPayment:              http.StatusBadRequest,
		raffle.ErrRaffleNotOpen:                    http.StatusConflict,
		raffle.ErrUpkeepNotNeeded:                  http.StatusConflict,
		raffle.ErrUnauthorized:                     http.StatusForbidden,
		raffle.ErrUnknownRequest:                   http.StatusNotFound,
		vrf.ErrNonexistentRequest:                  http.StatusNotFound,
		&raffle.PayoutError{Amount: big.NewInt(1)}: http.StatusBadGateway,
		context.DeadlineExceeded:                   http.StatusBadGateway,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
