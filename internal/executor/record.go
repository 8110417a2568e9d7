package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/pkg/models"
)

// RecordStore owns the execution records for the process lifetime. Each
// record has a single writer (the goroutine executing its signal); the
// supervisor reads immutable snapshots.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*models.ExecutionRecord
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*models.ExecutionRecord)}
}

// Create registers a record for a signal id. Exactly one record may exist
// per id; a duplicate is an error, which the engine turns into a rejection.
func (rs *RecordStore) Create(signalID string) (*models.ExecutionRecord, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, exists := rs.records[signalID]; exists {
		return nil, fmt.Errorf("execution record already exists for signal %s", signalID)
	}

	record := &models.ExecutionRecord{
		SignalID: signalID,
		State:    models.StateReceived,
		Transitions: []models.Transition{{
			State: models.StateReceived,
			At:    time.Now(),
		}},
	}
	rs.records[signalID] = record
	return record, nil
}

// Transition appends a state change to a record. Transitions must advance
// the state order; anything else is a programming error surfaced loudly.
func (rs *RecordStore) Transition(record *models.ExecutionRecord, state models.ExecutionState, reason string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if record.State.Terminal() {
		return fmt.Errorf("record %s is already terminal in %s", record.SignalID, record.State)
	}
	if !state.After(record.State) {
		return fmt.Errorf("transition %s→%s violates state order for %s", record.State, state, record.SignalID)
	}

	record.State = state
	record.Transitions = append(record.Transitions, models.Transition{
		State:  state,
		At:     time.Now(),
		Reason: reason,
	})
	if state.Terminal() && reason != "" {
		record.FailureReason = reason
	}
	return nil
}

// SetTxHash records the submitted transaction hash.
func (rs *RecordStore) SetTxHash(record *models.ExecutionRecord, hash string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	record.TxHash = hash
}

// SetFinalProfit records the realized net profit.
func (rs *RecordStore) SetFinalProfit(record *models.ExecutionRecord, profit decimal.Decimal) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	record.FinalNetProfitUSD = profit
}

// Get returns a snapshot of one record.
func (rs *RecordStore) Get(signalID string) (models.ExecutionRecord, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	record, ok := rs.records[signalID]
	if !ok {
		return models.ExecutionRecord{}, false
	}
	return snapshot(record), true
}

// Snapshot returns copies of every record, for the metrics surface.
func (rs *RecordStore) Snapshot() []models.ExecutionRecord {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]models.ExecutionRecord, 0, len(rs.records))
	for _, record := range rs.records {
		out = append(out, snapshot(record))
	}
	return out
}

// StateCounts tallies records per state.
func (rs *RecordStore) StateCounts() map[models.ExecutionState]int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	counts := make(map[models.ExecutionState]int)
	for _, record := range rs.records {
		counts[record.State]++
	}
	return counts
}

func snapshot(record *models.ExecutionRecord) models.ExecutionRecord {
	cp := *record
	cp.Transitions = make([]models.Transition, len(record.Transitions))
	copy(cp.Transitions, record.Transitions)
	return cp
}
