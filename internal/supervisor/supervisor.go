// Package supervisor runs the circuit breaker, the periodic health probes
// and the metrics endpoint, and observes the scanner and execution engine.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/internal/bus"
	"github.com/vegas-max/titan/internal/chains"
	"github.com/vegas-max/titan/internal/executor"
	"github.com/vegas-max/titan/internal/oracle"
	"github.com/vegas-max/titan/pkg/config"
	"github.com/vegas-max/titan/pkg/logger"
)

// probeInterval is the cadence of the periodic health probe cycle.
const probeInterval = 15 * time.Second

// Supervisor observes every component, trips and resets the circuit breaker
// and serves the metrics surface.
type Supervisor struct {
	logger  *logger.Logger
	cfg     config.MetricsConfig
	pool    *chains.Pool
	signals bus.Bus
	oracle  oracle.PriceOracle
	records *executor.RecordStore
	breaker *Breaker
	metrics *Metrics

	chainNames map[uint64]string

	server   *http.Server
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the supervisor around its collaborators.
func New(
	log *logger.Logger,
	metricsCfg config.MetricsConfig,
	engineCfg config.EngineConfig,
	chainCfgs []config.ChainConfig,
	pool *chains.Pool,
	signalBus bus.Bus,
	priceOracle oracle.PriceOracle,
	records *executor.RecordStore,
	scanner scanControl,
	submitter submitControl,
) *Supervisor {
	s := &Supervisor{
		logger:     log.Named("supervisor"),
		cfg:        metricsCfg,
		pool:       pool,
		signals:    signalBus,
		oracle:     priceOracle,
		records:    records,
		metrics:    NewMetrics(prometheus.DefaultRegisterer),
		chainNames: make(map[uint64]string),
		stopChan:   make(chan struct{}),
	}
	for _, c := range chainCfgs {
		s.chainNames[c.ChainID] = c.Name
	}

	s.breaker = NewBreaker(log, engineCfg.MaxConsecutiveFailures, engineCfg.ScanInterval, scanner, submitter, s.ProbeCycle)
	return s
}

// Breaker exposes the circuit breaker state.
func (s *Supervisor) Breaker() *Breaker { return s.breaker }

// TickCompleted implements the scanner observer.
func (s *Supervisor) TickCompleted(duration time.Duration, candidates, emitted int) {
	s.metrics.TickDuration.Observe(duration.Seconds())
	s.metrics.OpportunitiesTick.Set(float64(candidates))
	s.metrics.SignalsEmitted.Add(float64(emitted))
}

// BusStalled implements the scanner observer.
func (s *Supervisor) BusStalled(err error) {
	s.logger.Error("Signal bus unavailable, scanner applying backpressure", zap.Error(err))
}

// ExecutionSucceeded implements the executor observer.
func (s *Supervisor) ExecutionSucceeded(signalID string) {
	s.metrics.SignalsConsumed.Inc()
	s.breaker.OnSuccess(signalID)
}

// ExecutionFailed implements the executor observer.
func (s *Supervisor) ExecutionFailed(signalID, reason string) {
	s.metrics.SignalsConsumed.Inc()
	s.breaker.OnFailure(signalID, reason)
}

// Start launches the probe loop and the metrics endpoint.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", s.handleHealthz)
		s.server = &http.Server{Addr: s.cfg.Addr, Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		s.logger.Info("Metrics endpoint listening", zap.String("addr", s.cfg.Addr))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.ProbeCycle(ctx)
				s.refreshGauges()
			}
		}
	}()

	return nil
}

// Stop shuts the probe loop and the metrics endpoint down.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
}

// ProbeCycle runs one full health probe pass: endpoint health per chain, bus
// reachability and oracle freshness. It reports whether everything passed.
func (s *Supervisor) ProbeCycle(ctx context.Context) bool {
	healthy := true

	s.pool.ProbeAll(ctx)
	for _, chainID := range s.pool.ChainIDs() {
		if !s.pool.Healthy(chainID) {
			healthy = false
			s.logger.Warn("Chain unavailable",
				zap.String("chain", s.chainName(chainID)))
		}
	}

	if err := s.signals.Probe(ctx); err != nil {
		healthy = false
		s.logger.Warn("Bus probe failed", zap.Error(err))
	}

	if !s.oracle.Fresh() {
		healthy = false
		s.logger.Warn("Oracle prices stale")
	}

	return healthy
}

func (s *Supervisor) refreshGauges() {
	for state, count := range s.records.StateCounts() {
		s.metrics.ExecutionStates.WithLabelValues(string(state)).Set(float64(count))
	}

	if s.breaker.Tripped() {
		s.metrics.BreakerTripped.Set(1)
	} else {
		s.metrics.BreakerTripped.Set(0)
	}
	s.metrics.BreakerFailures.Set(float64(s.breaker.ConsecutiveFailures()))

	for chainID, endpoints := range s.pool.Health() {
		name := s.chainName(chainID)
		if s.pool.Healthy(chainID) {
			s.metrics.ChainHealthy.WithLabelValues(name).Set(1)
		} else {
			s.metrics.ChainHealthy.WithLabelValues(name).Set(0)
		}
		for _, ep := range endpoints {
			s.metrics.EndpointLatency.WithLabelValues(name, ep.URL).Set(ep.LatencyEWMA.Seconds())
			if ep.TotalRequests > 0 {
				s.metrics.EndpointErrors.WithLabelValues(name, ep.URL).
					Set(float64(ep.FailedRequests) / float64(ep.TotalRequests))
			}
		}
	}
}

func (s *Supervisor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := len(s.pool.HealthyChains()) > 0 && s.oracle.Fresh()
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, "healthy=%s breaker_tripped=%s\n",
		strconv.FormatBool(healthy), strconv.FormatBool(s.breaker.Tripped()))
}

func (s *Supervisor) chainName(chainID uint64) string {
	if name, ok := s.chainNames[chainID]; ok {
		return name
	}
	return strconv.FormatUint(chainID, 10)
}
