// Package executor consumes trade signals and drives each one through the
// execution state machine, enforcing the safety envelope: flash-loan
// enforcement, gas ceiling, profit re-validation, nonce discipline and MEV
// routing. Simulation failure is terminal; a fresh scan produces the retry.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/internal/bus"
	"github.com/vegas-max/titan/internal/chains"
	"github.com/vegas-max/titan/internal/oracle"
	"github.com/vegas-max/titan/internal/profit"
	"github.com/vegas-max/titan/internal/registry"
	"github.com/vegas-max/titan/pkg/config"
	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
)

const (
	consumePollInterval = 100 * time.Millisecond
	receiptPollInterval = 2 * time.Second
	confirmTimeout      = 90 * time.Second
)

var (
	bpsDenominator = decimal.NewFromInt(10_000)
	gweiToWei      = decimal.New(1, 9)
	weiPerEther    = decimal.New(1, 18)
)

// ChainPool is the slice of the chain client pool the engine consumes.
type ChainPool interface {
	Client(chainID uint64) (chains.Client, error)
	Healthy(chainID uint64) bool
	ChainIDs() []uint64
}

// Observer receives execution outcomes; the supervisor's circuit breaker
// implements it.
type Observer interface {
	ExecutionSucceeded(signalID string)
	// ExecutionFailed is called only for breaker-countable failures:
	// simulation reverts, submission rejections, on-chain reverts and
	// infrastructure rejections.
	ExecutionFailed(signalID, reason string)
}

type nopObserver struct{}

func (nopObserver) ExecutionSucceeded(string)     {}
func (nopObserver) ExecutionFailed(string, string) {}

// Engine is the signal execution engine.
type Engine struct {
	logger   *logger.Logger
	cfg      config.EngineConfig
	reg      *registry.Registry
	pool     ChainPool
	profits  *profit.Engine
	oracle   oracle.PriceOracle
	signals  bus.Bus
	records  *RecordStore
	nonces   *NonceManager
	relay    PrivateRelay
	observer Observer

	signingKey *ecdsa.PrivateKey
	account    common.Address

	holdSubmissions atomic.Bool

	stopChan chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
	loopDone sync.WaitGroup
}

// New creates the execution engine. In LIVE mode the signing key must parse
// and derive the configured submitter address. The flash-loan kill switch is
// not checked here; every signal is checked against it during validation and
// again before submission.
func New(
	log *logger.Logger,
	cfg config.EngineConfig,
	reg *registry.Registry,
	pool ChainPool,
	profits *profit.Engine,
	priceOracle oracle.PriceOracle,
	signalBus bus.Bus,
	records *RecordStore,
	relay PrivateRelay,
) (*Engine, error) {
	e := &Engine{
		logger:   log.Named("execution-engine"),
		cfg:      cfg,
		reg:      reg,
		pool:     pool,
		profits:  profits,
		oracle:   priceOracle,
		signals:  signalBus,
		records:  records,
		relay:    relay,
		observer: nopObserver{},
		stopChan: make(chan struct{}),
	}

	if cfg.Mode == config.ModeLive {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		e.signingKey = key
		e.account = crypto.PubkeyToAddress(key.PublicKey)

		if cfg.SubmitterAddress != "" && !strings.EqualFold(e.account.Hex(), cfg.SubmitterAddress) {
			return nil, fmt.Errorf("signing key derives %s, expected submitter %s", e.account.Hex(), cfg.SubmitterAddress)
		}
		e.nonces = NewNonceManager(log, pool, e.account)
	}

	return e, nil
}

// SetObserver wires the supervisor in before Start.
func (e *Engine) SetObserver(o Observer) {
	if o != nil {
		e.observer = o
	}
}

// Account returns the submitter address derived from the signing key.
func (e *Engine) Account() common.Address { return e.account }

// HoldSubmissions toggles the circuit breaker's submission hold.
func (e *Engine) HoldSubmissions(hold bool) {
	e.holdSubmissions.Store(hold)
}

// Start launches the consume loop.
func (e *Engine) Start(ctx context.Context) {
	e.loopDone.Add(1)
	go func() {
		defer e.loopDone.Done()
		e.logger.Info("Execution engine started",
			zap.String("mode", string(e.cfg.Mode)),
			zap.Bool("flash_loans", e.cfg.FlashLoanEnabled))

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopChan:
				return
			default:
			}

			signal, err := e.signals.Consume(ctx)
			if err != nil {
				if errors.Is(err, bus.ErrEmpty) {
					select {
					case <-time.After(consumePollInterval):
					case <-ctx.Done():
						return
					case <-e.stopChan:
						return
					}
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				e.logger.Warn("Bus consume failed", zap.Error(err))
				select {
				case <-time.After(consumePollInterval):
				case <-ctx.Done():
					return
				case <-e.stopChan:
					return
				}
				continue
			}

			e.inflight.Add(1)
			go func(s *models.Signal) {
				defer e.inflight.Done()
				e.process(ctx, s)
			}(signal)
		}
	}()
}

// Stop drains: no new signals are accepted, in-flight signals run to a
// terminal state, then Stop returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.loopDone.Wait()
	e.inflight.Wait()
	e.logger.Info("Execution engine drained")
}

// process drives one signal through the state machine. Signals on different
// chains run in parallel; the nonce manager serializes the SUBMITTED
// transition per chain.
func (e *Engine) process(ctx context.Context, signal *models.Signal) {
	log := e.logger.With(zap.String("signal_id", signal.ID))

	record, err := e.records.Create(signal.ID)
	if err != nil {
		log.Warn("Duplicate signal id, rejecting", zap.Error(err))
		return
	}
	log.Info("Signal received", zap.String("state", string(record.State)))

	if reason, countable, ok := e.validate(ctx, signal); !ok {
		e.terminate(record, terminalFor(reason), reason, countable, log)
		return
	}
	e.transition(record, models.StateValidated, "", log)

	sim, reason, countable, ok := e.simulate(ctx, signal)
	if !ok {
		e.terminate(record, terminalFor(reason), reason, countable, log)
		return
	}
	e.transition(record, models.StateSimulated, "", log)

	if e.cfg.Mode == config.ModePaper {
		// PAPER settles at the simulated profit, no network effect
		e.records.SetFinalProfit(record, sim.netProfitNow)
		e.transition(record, models.StateConfirmed, "", log)
		e.observer.ExecutionSucceeded(signal.ID)
		log.Info("Paper execution confirmed",
			zap.String("realized_profit_usd", sim.netProfitNow.String()))
		return
	}

	e.submitAndConfirm(ctx, signal, record, sim, log)
}

// validate runs the static guard chain. It returns the rejection reason, and
// whether that rejection counts toward the circuit breaker.
func (e *Engine) validate(ctx context.Context, signal *models.Signal) (reason string, countable, ok bool) {
	if signal.Expired(time.Now()) {
		return models.ReasonExpired, false, false
	}
	if !e.cfg.FlashLoanEnabled {
		return models.ReasonFlashLoanDisabled, false, false
	}
	if signal.FlashProviderID == "" {
		return models.ReasonSelfFunded, false, false
	}
	if _, found := e.reg.Provider(signal.FlashProviderID); !found {
		return models.ReasonUnknownProvider, false, false
	}

	route := signal.Opportunity.Route
	if !route.IsClosed() {
		return models.ReasonSelfFunded, false, false
	}
	if route.SwapHops() > e.cfg.MaxHops {
		return models.ReasonTooManyHops, false, false
	}

	for _, hop := range route.Hops {
		if hop.Kind != models.HopKindSwap {
			continue
		}
		for _, token := range []models.Token{hop.Swap.TokenIn, hop.Swap.TokenOut} {
			if _, found := e.reg.TokenByAddress(token.ChainID, token.Address); !found {
				return models.ReasonUnknownToken, false, false
			}
		}
	}

	for _, chainID := range route.Chains() {
		if !e.pool.Healthy(chainID) {
			return models.ReasonChainUnavailable, true, false
		}
	}

	return "", false, true
}

// simulation captures the numbers re-derived at simulation time; the
// submission step trusts these, not the scanner's.
type simulation struct {
	chainID      uint64
	calldata     []byte
	gasUnits     uint64
	feeData      *chains.FeeData
	gasCostNow   decimal.Decimal
	netProfitNow decimal.Decimal
}

// simulate assembles the executor transaction, dry-runs it at the current
// head and re-validates profitability with current fee and oracle data.
func (e *Engine) simulate(ctx context.Context, signal *models.Signal) (*simulation, string, bool, bool) {
	route := signal.Opportunity.Route
	startToken, err := route.StartToken()
	if err != nil {
		return nil, models.ReasonSelfFunded, false, false
	}
	chainID := startToken.ChainID

	client, err := e.pool.Client(chainID)
	if err != nil {
		return nil, models.ReasonChainUnavailable, true, false
	}

	feeData, err := client.FeeData(ctx)
	if err != nil {
		return nil, models.ReasonChainUnavailable, true, false
	}

	// gas ceiling guard
	baseFeeGwei := decimal.NewFromBigInt(feeData.BaseFee, 0).Div(gweiToWei)
	if baseFeeGwei.GreaterThan(e.cfg.MaxBaseFeeGwei) {
		return nil, models.ReasonBaseFeeTooHigh, false, false
	}

	plan, err := BuildPlan(signal, e.reg.Pool)
	if err != nil {
		return nil, models.ReasonUnknownToken, false, false
	}
	calldata, err := EncodePlan(plan)
	if err != nil {
		return nil, models.ReasonUnknownToken, false, false
	}

	gasUnits := e.heuristicGas(route)
	if e.cfg.ExecutorAddress != "" {
		executor := common.HexToAddress(e.cfg.ExecutorAddress)
		call := ethereum.CallMsg{From: e.account, To: &executor, Data: calldata}

		if _, err := client.CallContract(ctx, call, nil); err != nil {
			if errors.Is(err, chains.ErrAllEndpointsDown) {
				return nil, models.ReasonChainUnavailable, true, false
			}
			return nil, models.ReasonSimulationReverted, true, false
		}
		if estimated, err := client.EstimateGas(ctx, call); err == nil {
			gasUnits = estimated
		}
	}

	// re-price with current numbers; the scanner's view is not trusted
	native, ok := e.reg.NativeCanonical(chainID)
	if !ok {
		return nil, models.ReasonChainUnavailable, true, false
	}
	usdNative, _, err := e.oracle.USDPrice(ctx, native)
	if err != nil {
		return nil, models.ReasonChainUnavailable, true, false
	}

	priceWei := decimal.NewFromBigInt(feeData.BaseFee, 0).Add(decimal.NewFromBigInt(feeData.TipCap, 0))
	gasCostNow := decimal.NewFromInt(int64(gasUnits)).Mul(priceWei).Div(weiPerEther).Mul(usdNative)

	declared := signal.Opportunity
	netProfitNow := declared.NetProfitUSD.Add(declared.Fees.GasCostUSD).Sub(gasCostNow)

	if err := e.profits.Guards(netProfitNow, gasCostNow); err != nil {
		if netProfitNow.LessThan(gasCostNow.Mul(decimal.NewFromInt(2))) {
			return nil, models.ReasonNetProfitBelowGasFloor, false, false
		}
		return nil, models.ReasonNetProfitBelowMinimum, false, false
	}

	// simulated profit must stay within tolerance of the declared profit
	floor := declared.NetProfitUSD.Mul(bpsDenominator.Sub(e.cfg.SimulationToleranceBps)).Div(bpsDenominator)
	if netProfitNow.LessThan(floor) {
		return nil, models.ReasonProfitToleranceBreach, false, false
	}

	return &simulation{
		chainID:      chainID,
		calldata:     calldata,
		gasUnits:     gasUnits,
		feeData:      feeData,
		gasCostNow:   gasCostNow,
		netProfitNow: netProfitNow,
	}, "", false, true
}

// submitAndConfirm signs, routes per the MEV policy, submits under the nonce
// lock and waits for inclusion.
func (e *Engine) submitAndConfirm(ctx context.Context, signal *models.Signal, record *models.ExecutionRecord, sim *simulation, log *logger.Logger) {
	if e.holdSubmissions.Load() {
		e.terminate(record, models.StateRejected, models.ReasonSubmissionsHeld, false, log)
		return
	}
	// kill switch is re-checked immediately before every submission
	if !e.cfg.FlashLoanEnabled {
		e.terminate(record, models.StateRejected, models.ReasonFlashLoanDisabled, false, log)
		return
	}

	usePrivate, reason, ok := e.routeSubmission(ctx, signal)
	if !ok {
		e.terminate(record, models.StateRejected, reason, false, log)
		return
	}

	client, err := e.pool.Client(sim.chainID)
	if err != nil {
		e.terminate(record, models.StateRejected, models.ReasonChainUnavailable, true, log)
		return
	}

	executor := common.HexToAddress(e.cfg.ExecutorAddress)
	var submitted *types.Transaction

	send := func(nonce uint64) error {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(sim.chainID),
			Nonce:     nonce,
			GasTipCap: sim.feeData.TipCap,
			GasFeeCap: sim.feeData.GasFeeCap,
			Gas:       sim.gasUnits + sim.gasUnits/5, // 20% headroom
			To:        &executor,
			Data:      sim.calldata,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(sim.chainID)), e.signingKey)
		if err != nil {
			return err
		}
		if usePrivate {
			if err := e.relay.SendTransaction(ctx, signed); err != nil {
				return err
			}
		} else {
			if err := client.SendTransaction(ctx, signed); err != nil {
				return err
			}
		}
		submitted = signed
		return nil
	}

	err = e.nonces.Submit(ctx, sim.chainID, send)
	if err != nil && isNonceConflict(err) {
		// one refresh-and-retry, then terminal
		log.Warn("Nonce conflict, resyncing", zap.Error(err))
		if resyncErr := e.nonces.Resync(ctx, sim.chainID); resyncErr == nil {
			err = e.nonces.Submit(ctx, sim.chainID, send)
		}
		if err != nil {
			e.terminate(record, models.StateRejected, models.ReasonNonceConflict, true, log)
			return
		}
	} else if err != nil {
		e.terminate(record, models.StateRejected, models.ReasonSubmissionRejected, true, log)
		return
	}

	e.records.SetTxHash(record, submitted.Hash().Hex())
	e.transition(record, models.StateSubmitted, "", log)
	log.Info("Transaction submitted",
		zap.String("tx_hash", submitted.Hash().Hex()),
		zap.Bool("private", usePrivate))

	e.confirm(ctx, client, record, submitted.Hash(), sim, log)
}

// routeSubmission applies the MEV policy.
func (e *Engine) routeSubmission(ctx context.Context, signal *models.Signal) (usePrivate bool, reason string, ok bool) {
	relayHealthy := e.relay != nil && e.relay.Healthy(ctx)

	switch config.MEVPolicy(signal.MEVPolicy) {
	case config.MEVPolicyPrivateOrReject:
		if !relayHealthy {
			return false, models.ReasonMEVProtectionRequired, false
		}
		return true, "", true
	case config.MEVPolicyPrivate:
		if relayHealthy {
			return true, "", true
		}
		// high-value trades never fall through to the public mempool
		if signal.Opportunity.InputAmountUSD.GreaterThanOrEqual(e.cfg.HighValueThresholdUSD) {
			return false, models.ReasonMEVProtectionRequired, false
		}
		return false, "", true
	case config.MEVPolicyAllowPublic:
		return relayHealthy, "", true
	default:
		return false, models.ReasonMEVProtectionRequired, false
	}
}

// confirm polls for the receipt until inclusion or timeout.
func (e *Engine) confirm(ctx context.Context, client chains.Client, record *models.ExecutionRecord, txHash common.Hash, sim *simulation, log *logger.Logger) {
	deadline := time.Now().Add(confirmTimeout)

	for time.Now().Before(deadline) {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				e.records.SetFinalProfit(record, sim.netProfitNow)
				e.transition(record, models.StateConfirmed, "", log)
				e.observer.ExecutionSucceeded(record.SignalID)
				log.Info("Execution confirmed",
					zap.String("tx_hash", txHash.Hex()),
					zap.String("realized_profit_usd", sim.netProfitNow.String()))
			} else {
				// the gas is burned either way
				e.records.SetFinalProfit(record, sim.gasCostNow.Neg())
				e.terminate(record, models.StateReverted, models.ReasonReverted, true, log)
			}
			return
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Warn("Receipt poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(receiptPollInterval):
		}
	}

	// still pending at timeout: record stays SUBMITTED for reconciliation
	log.Warn("Confirmation timed out, leaving record submitted",
		zap.String("tx_hash", txHash.Hex()))
}

// Reconcile checks records left SUBMITTED by a previous run against the
// chain, finishing their state machines from the receipt.
func (e *Engine) Reconcile(ctx context.Context, records []models.ExecutionRecord) {
	for _, stale := range records {
		if stale.State != models.StateSubmitted || stale.TxHash == "" {
			continue
		}
		log := e.logger.With(zap.String("signal_id", stale.SignalID))

		restored, err := e.records.Create(stale.SignalID)
		if err != nil {
			continue
		}
		e.records.SetTxHash(restored, stale.TxHash)
		e.transition(restored, models.StateValidated, "", log)
		e.transition(restored, models.StateSimulated, "", log)
		e.transition(restored, models.StateSubmitted, "reconciled", log)

		// best effort: any configured chain may hold the tx
		for _, chainID := range e.pool.ChainIDs() {
			client, err := e.pool.Client(chainID)
			if err != nil {
				continue
			}
			receipt, err := client.TransactionReceipt(ctx, common.HexToHash(stale.TxHash))
			if err != nil || receipt == nil {
				continue
			}
			if receipt.Status == types.ReceiptStatusSuccessful {
				e.transition(restored, models.StateConfirmed, "reconciled", log)
			} else {
				e.terminate(restored, models.StateReverted, models.ReasonReverted, false, log)
			}
			break
		}
	}
}

func (e *Engine) heuristicGas(route models.Route) uint64 {
	units := uint64(200_000)
	for _, hop := range route.Hops {
		switch hop.Kind {
		case models.HopKindSwap:
			units += 120_000
		case models.HopKindBridge:
			units += 300_000
		}
	}
	return units
}

// transition applies a state change, logging the structured event.
func (e *Engine) transition(record *models.ExecutionRecord, state models.ExecutionState, reason string, log *logger.Logger) {
	if err := e.records.Transition(record, state, reason); err != nil {
		log.Error("Illegal state transition", zap.Error(err))
		return
	}
	log.Debug("State transition",
		zap.String("state", string(state)),
		zap.String("reason", reason))
}

// terminate moves the record to a terminal state and notifies the breaker
// when the failure is countable.
func (e *Engine) terminate(record *models.ExecutionRecord, state models.ExecutionState, reason string, countable bool, log *logger.Logger) {
	e.transition(record, state, reason, log)
	if countable {
		e.observer.ExecutionFailed(record.SignalID, reason)
	}
	log.Info("Signal terminated",
		zap.String("state", string(state)),
		zap.String("reason", reason))
}

// terminalFor maps a rejection reason to its terminal state.
func terminalFor(reason string) models.ExecutionState {
	if reason == models.ReasonExpired {
		return models.StateExpired
	}
	return models.StateRejected
}

// isNonceConflict matches the node errors raised for stale or reused nonces.
func isNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
