package api

import (
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"vrf-raffle/internal/config"
	"vrf-raffle/internal/raffle"
	"vrf-raffle/internal/vrf"
)

type enterRequest struct {
	Player   string `json:"player"`
	ValueWei string `json:"value_wei"`
	ValueETH string `json:"value_eth"`
}

type upkeepRequest struct {
	PerformData string `json:"perform_data"`
}

func (s *Server) getRaffle(c *gin.Context) {
	snap := s.raffle.Snapshot()
	cfg := s.raffle.Config()
	needed, _ := s.raffle.CheckUpkeep(c.Request.Context(), nil)
	c.JSON(http.StatusOK, newStatusView(cfg, snap, needed, s.opts.Network))
}

func (s *Server) getPlayer(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}
	player, err := s.raffle.Player(index)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "player": player.Hex()})
}

func (s *Server) enter(c *gin.Context) {
	var payload enterRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if !common.IsHexAddress(payload.Player) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player must be a hex address"})
		return
	}
	payment, err := parsePayment(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	player := common.HexToAddress(payload.Player)
	if err := s.raffle.Enter(c.Request.Context(), player, payment); err != nil {
		s.fail(c, err)
		return
	}
	snap := s.raffle.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"round":   snap.Round,
		"player":  player.Hex(),
		"players": len(snap.Players),
	})
}

func (s *Server) checkUpkeep(c *gin.Context) {
	var checkData []byte
	if raw := c.Query("check_data"); raw != "" {
		decoded, err := hexutil.Decode(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "check_data must be 0x-prefixed hex"})
			return
		}
		checkData = decoded
	}
	needed, performData := s.raffle.CheckUpkeep(c.Request.Context(), checkData)
	c.JSON(http.StatusOK, gin.H{
		"upkeep_needed": needed,
		"perform_data":  hexutil.Encode(performData),
	})
}

func (s *Server) performUpkeep(c *gin.Context) {
	var performData []byte
	var payload upkeepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	if payload.PerformData != "" {
		decoded, err := hexutil.Decode(payload.PerformData)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "perform_data must be 0x-prefixed hex"})
			return
		}
		performData = decoded
	}

	requestID, err := s.raffle.PerformUpkeep(c.Request.Context(), performData)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": requestID.Dec()})
}

func (s *Server) fulfill(c *gin.Context) {
	if s.fulfiller == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "manual fulfillment is only available with the mock oracle"})
		return
	}
	requestID, err := uint256.FromDecimal(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request id must be a decimal integer"})
		return
	}
	if err := s.fulfiller.FulfillRandomWords(c.Request.Context(), *requestID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusView(s.raffle.Config(), s.raffle.Snapshot(), false, s.opts.Network))
}

func (s *Server) streamEvents(c *gin.Context) {
	sub := s.raffle.Subscribe(s.opts.EventBuffer)
	defer sub.Cancel()

	ctx := c.Request.Context()
	snap := s.raffle.Snapshot()
	c.SSEvent("snapshot", newStatusView(s.raffle.Config(), snap, false, s.opts.Network))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Kind), newEventView(evt))
			return true
		}
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, raffle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, raffle.ErrPayoutFailed):
		return http.StatusBadGateway
	case errors.Is(err, raffle.ErrInsufficientPayment),
		errors.Is(err, raffle.ErrNoRandomWords),
		errors.Is(err, vrf.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrRaffleNotOpen),
		errors.Is(err, raffle.ErrUpkeepNotNeeded),
		errors.Is(err, vrf.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, raffle.ErrPlayerIndex),
		errors.Is(err, raffle.ErrUnknownRequest),
		errors.Is(err, vrf.ErrNonexistentRequest):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func parsePayment(req enterRequest) (*big.Int, error) {
	switch {
	case req.ValueWei != "" && req.ValueETH != "":
		return nil, errors.New("set only one of value_wei and value_eth")
	case req.ValueWei != "":
		wei, ok := new(big.Int).SetString(strings.TrimSpace(req.ValueWei), 10)
		if !ok || wei.Sign() < 0 {
			return nil, errors.New("value_wei must be a non-negative integer")
		}
		return wei, nil
	case req.ValueETH != "":
		return config.EtherToWei(req.ValueETH)
	default:
		return new(big.Int), nil
	}
}
