package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vrf-raffle/internal/alerting"
	"vrf-raffle/internal/api"
	"vrf-raffle/internal/config"
	"vrf-raffle/internal/keeper"
	"vrf-raffle/internal/raffle"
	"vrf-raffle/internal/storage"
	"vrf-raffle/internal/vrf"
)

const pumpBuffer = 256

// Persistence groups the optional stores. Any field may be nil.
type Persistence struct {
	Snapshots storage.SnapshotStore
	Events    storage.EventStore
	Rounds    storage.RoundStore
	Locker    storage.AdvisoryLocker
}

// Service runs the raffle engine with its oracle, keeper, API and event pump.
type Service struct {
	cfg      *config.Config
	engine   *raffle.Engine
	ledger   *raffle.Ledger
	mock     *vrf.Mock
	beacon   *vrf.Beacon
	keeper   *keeper.Keeper
	api      *api.Server
	store    Persistence
	notifier alerting.Notifier
	sub      *raffle.Subscription
	logger   zerolog.Logger
}

// New builds the engine from configuration, restoring the persisted snapshot when present.
func New(ctx context.Context, cfg *config.Config, store Persistence, notifier alerting.Notifier, logger zerolog.Logger, opts ...raffle.Option) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		ledger:   raffle.NewLedger(),
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "service").Logger(),
	}

	raffleCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.restoreLedger(ctx); err != nil {
		return nil, err
	}

	var coordinator raffle.Coordinator
	switch cfg.VRF.Mode {
	case "beacon":
		s.beacon = vrf.NewBeacon(vrf.BeaconOptions{
			BaseURL:      cfg.VRF.Beacon.BaseURL,
			Address:      raffleCfg.Coordinator,
			Timeout:      cfg.VRF.Beacon.RequestTimeout,
			PollInterval: cfg.VRF.Beacon.PollInterval,
			UserAgent:    cfg.VRF.Beacon.UserAgent,
		}, logger)
		coordinator = s.beacon
	default:
		mock, subID, err := newMock(cfg, raffleCfg.Coordinator, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Raffle.SubscriptionID != 0 && cfg.Raffle.SubscriptionID != subID {
			s.logger.Warn().
				Uint64("configured", cfg.Raffle.SubscriptionID).
				Uint64("created", subID).
				Msg("mock coordinator issued a different subscription id")
		}
		raffleCfg.SubscriptionID = subID
		s.mock = mock
		coordinator = mock
	}

	engineOpts := []raffle.Option{raffle.WithLogger(logger)}
	restored, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if restored != nil {
		engineOpts = append(engineOpts, raffle.WithSnapshot(*restored))
	}
	engineOpts = append(engineOpts, opts...)

	s.engine, err = raffle.NewEngine(raffleCfg, coordinator, s.ledger, engineOpts...)
	if err != nil {
		return nil, err
	}

	if s.mock != nil {
		if err := s.mock.AddConsumer(raffleCfg.SubscriptionID, raffleCfg.Address, s.engine); err != nil {
			return nil, fmt.Errorf("register raffle consumer: %w", err)
		}
	} else {
		s.beacon.Register(raffleCfg.Address, s.engine)
	}
	if err := s.resumePending(ctx, raffleCfg); err != nil {
		return nil, err
	}

	if cfg.Keeper.Enabled {
		checkData, err := decodeCheckData(cfg.Keeper.CheckData)
		if err != nil {
			return nil, err
		}
		s.keeper = keeper.New(keeper.Options{
			Interval:     cfg.Keeper.PollInterval,
			StartupDelay: cfg.Keeper.StartupDelay,
			CheckData:    checkData,
			LockKey:      cfg.Keeper.AdvisoryLockKey,
			Locker:       store.Locker,
		}, s.engine, logger)
	}

	if cfg.API.Enabled {
		var fulfiller api.Fulfiller
		if s.mock != nil {
			fulfiller = s.mock
		}
		s.api = api.NewServer(api.Options{
			Listen:         cfg.API.Listen,
			AllowedOrigins: cfg.API.AllowedOrigins,
			EventBuffer:    cfg.API.EventBuffer,
			ShutdownGrace:  cfg.API.ShutdownGrace,
			Network:        cfg.Raffle.Network,
		}, s.engine, fulfiller, logger)
	}

	s.sub = s.engine.Subscribe(pumpBuffer)
	return s, nil
}

// Engine exposes the running raffle.
func (s *Service) Engine() *raffle.Engine {
	return s.engine
}

// Ledger exposes the in-process payout book.
func (s *Service) Ledger() *raffle.Ledger {
	return s.ledger
}

// Mock returns the local coordinator, or nil in beacon mode.
func (s *Service) Mock() *vrf.Mock {
	return s.mock
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return s.pump(ctx) })

	if s.mock != nil {
		group.Go(func() error { return s.mock.Run(ctx) })
	}
	if s.beacon != nil {
		group.Go(func() error { return s.beacon.Run(ctx) })
	}
	if s.keeper != nil {
		group.Go(func() error { return s.keeper.Run(ctx) })
	}
	if s.api != nil {
		group.Go(func() error { return s.api.Run(ctx) })
	}

	snap := s.engine.Snapshot()
	s.logger.Info().
		Str("mode", s.cfg.VRF.Mode).
		Uint64("round", snap.Round).
		Str("state", snap.State.String()).
		Int("players", len(snap.Players)).
		Bool("keeper", s.keeper != nil).
		Bool("api", s.api != nil).
		Msg("raffle service started")

	return group.Wait()
}

func (s *Service) pump(ctx context.Context) error {
	defer s.sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx)
			s.saveSnapshot(flushCtx)
			cancel()
			return ctx.Err()
		case evt, ok := <-s.sub.C():
			if !ok {
				return nil
			}
			s.HandleEvent(ctx, evt)
		}
	}
}

// Flush handles every event already queued without waiting for more.
func (s *Service) Flush(ctx context.Context) {
	for {
		select {
		case evt, ok := <-s.sub.C():
			if !ok {
				return
			}
			s.HandleEvent(ctx, evt)
		default:
			return
		}
	}
}

// HandleEvent journals evt, saves the snapshot and, for completed rounds,
// records the round and notifies.
func (s *Service) HandleEvent(ctx context.Context, evt raffle.Event) {
	log := s.logger.With().Str("event", string(evt.Kind)).Uint64("round", evt.Round).Logger()

	if s.store.Events != nil {
		if err := s.store.Events.InsertEvent(ctx, storage.EventFromEngine(evt)); err != nil {
			log.Error().Err(err).Msg("failed to journal event")
		}
	}
	s.saveSnapshot(ctx)

	if evt.Kind != raffle.EventWinnerPicked {
		return
	}

	if s.store.Rounds != nil {
		round, err := storage.RoundFromEngine(evt)
		if err != nil {
			log.Error().Err(err).Msg("failed to build round record")
		} else if err := s.store.Rounds.InsertRound(ctx, round); err != nil {
			log.Error().Err(err).Msg("failed to persist round")
		}
	}

	if s.cfg.Alerting.Enabled && s.notifier != nil {
		note := alerting.Notification{
			Round:    evt.Round,
			Winner:   evt.Player.Hex(),
			PrizeETH: config.WeiToEther(evt.Amount),
			Players:  evt.Players,
			PickedAt: evt.At,
			Network:  s.cfg.Raffle.Network,
			Channels: s.cfg.Alerting.Channels,
		}
		if evt.RequestID != nil {
			note.RequestID = evt.RequestID.Dec()
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			log.Error().Err(err).Msg("failed to dispatch winner notification")
		}
	}
}

func (s *Service) saveSnapshot(ctx context.Context) {
	if s.store.Snapshots == nil {
		return
	}
	if err := s.store.Snapshots.SaveSnapshot(ctx, storage.SnapshotFromEngine(s.engine.Snapshot())); err != nil {
		s.logger.Error().Err(err).Msg("failed to save snapshot")
	}
}

func (s *Service) loadSnapshot(ctx context.Context) (*raffle.Snapshot, error) {
	if s.store.Snapshots == nil {
		return nil, nil
	}
	rec, err := s.store.Snapshots.LoadSnapshot(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		s.logger.Info().Msg("no persisted snapshot; starting a fresh raffle")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap, err := rec.ToEngine()
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.logger.Info().
		Uint64("round", snap.Round).
		Str("state", snap.State.String()).
		Int("players", len(snap.Players)).
		Msg("restored raffle snapshot")
	return &snap, nil
}

// restoreLedger credits every past winner with the prizes recorded in the
// round history.
func (s *Service) restoreLedger(ctx context.Context) error {
	if s.store.Rounds == nil {
		return nil
	}
	totals, err := s.store.Rounds.WinnerTotals(ctx)
	if err != nil {
		return fmt.Errorf("load winner totals: %w", err)
	}
	for winner, total := range totals {
		if !common.IsHexAddress(winner) {
			return fmt.Errorf("round history has invalid winner %q", winner)
		}
		s.ledger.Credit(common.HexToAddress(winner), total.BigInt())
	}
	if len(totals) > 0 {
		s.logger.Info().Int("winners", len(totals)).Msg("restored winner balances from round history")
	}
	return nil
}

// resumePending hands a restored outstanding request back to the fresh coordinator.
func (s *Service) resumePending(ctx context.Context, cfg raffle.Config) error {
	pending, ok := s.engine.PendingRequest()
	if !ok {
		return nil
	}
	req := vrf.Request{
		Consumer:         cfg.Address,
		KeyHash:          cfg.GasLane,
		SubscriptionID:   cfg.SubscriptionID,
		MinConfirmations: cfg.RequestConfirmations,
		CallbackGasLimit: cfg.CallbackGasLimit,
		NumWords:         raffle.NumWords,
	}
	var err error
	if s.mock != nil {
		err = s.mock.Resume(req, pending)
	} else {
		err = s.beacon.Resume(ctx, req, pending)
	}
	if err != nil {
		return fmt.Errorf("resume request %s: %w", pending.Dec(), err)
	}
	return nil
}

func engineConfig(cfg *config.Config) (raffle.Config, error) {
	fee, err := cfg.EntranceFeeWei()
	if err != nil {
		return raffle.Config{}, err
	}
	coordinator := vrf.DefaultMockAddress
	if cfg.VRF.CoordinatorAddress != "" {
		coordinator = common.HexToAddress(cfg.VRF.CoordinatorAddress)
	}
	return raffle.Config{
		Address:              common.HexToAddress(cfg.Raffle.Address),
		EntranceFee:          fee,
		Interval:             cfg.Raffle.Interval,
		Coordinator:          coordinator,
		GasLane:              common.HexToHash(cfg.Raffle.GasLane),
		SubscriptionID:       cfg.Raffle.SubscriptionID,
		RequestConfirmations: cfg.Raffle.RequestConfirmations,
		CallbackGasLimit:     cfg.Raffle.CallbackGasLimit,
	}, nil
}

func newMock(cfg *config.Config, addr common.Address, logger zerolog.Logger) (*vrf.Mock, uint64, error) {
	baseFee, err := config.EtherToWei(cfg.VRF.BaseFeeLink)
	if err != nil {
		return nil, 0, fmt.Errorf("vrf.base_fee_link: %w", err)
	}
	fund, err := config.EtherToWei(cfg.VRF.FundAmountLink)
	if err != nil {
		return nil, 0, fmt.Errorf("vrf.fund_amount_link: %w", err)
	}

	mock := vrf.NewMock(vrf.MockOptions{
		Address:      addr,
		BaseFee:      baseFee,
		GasPriceLink: big.NewInt(cfg.VRF.GasPriceLink),
		FulfillDelay: cfg.VRF.FulfillDelay,
	}, logger)
	subID := mock.CreateSubscription()
	if fund.Sign() > 0 {
		if err := mock.FundSubscription(subID, fund); err != nil {
			return nil, 0, fmt.Errorf("fund subscription: %w", err)
		}
	}
	return mock, subID, nil
}

func decodeCheckData(v string) ([]byte, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if v == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("keeper.check_data: %w", err)
	}
	return data, nil
}
