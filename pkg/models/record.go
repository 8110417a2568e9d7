package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionState is one phase of the signal execution state machine.
type ExecutionState string

const (
	StateReceived  ExecutionState = "RECEIVED"
	StateValidated ExecutionState = "VALIDATED"
	StateSimulated ExecutionState = "SIMULATED"
	StateSubmitted ExecutionState = "SUBMITTED"
	StateConfirmed ExecutionState = "CONFIRMED"
	StateReverted  ExecutionState = "REVERTED"
	StateRejected  ExecutionState = "REJECTED"
	StateExpired   ExecutionState = "EXPIRED"
)

// stateRank orders states for the monotonic-transition invariant. Terminal
// states share the top rank; a record can reach at most one of them.
var stateRank = map[ExecutionState]int{
	StateReceived:  0,
	StateValidated: 1,
	StateSimulated: 2,
	StateSubmitted: 3,
	StateConfirmed: 4,
	StateReverted:  4,
	StateRejected:  4,
	StateExpired:   4,
}

// Terminal reports whether the state ends the machine.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateConfirmed, StateReverted, StateRejected, StateExpired:
		return true
	}
	return false
}

// After reports whether s ranks strictly after prev in the state order.
func (s ExecutionState) After(prev ExecutionState) bool {
	return stateRank[s] > stateRank[prev]
}

// Rejection reasons carried on terminal records. Stable tags; the human
// message travels separately in the event log.
const (
	ReasonDuplicateSignal        = "DuplicateSignal"
	ReasonUnsupportedVersion     = "UnsupportedVersion"
	ReasonExpired                = "Expired"
	ReasonFlashLoanDisabled      = "FlashLoanDisabled"
	ReasonUnknownProvider        = "UnknownFlashLoanProvider"
	ReasonSelfFunded             = "SelfFundedRoute"
	ReasonTooManyHops            = "TooManyHops"
	ReasonUnknownToken           = "UnknownToken"
	ReasonChainUnavailable       = "Infrastructure"
	ReasonStaleQuote             = "StaleQuote"
	ReasonSimulationReverted     = "SimulationReverted"
	ReasonNetProfitBelowGasFloor = "NetProfitBelowGasFloor"
	ReasonNetProfitBelowMinimum  = "NetProfitBelowMinimum"
	ReasonProfitToleranceBreach  = "ProfitToleranceBreach"
	ReasonBaseFeeTooHigh         = "BaseFeeTooHigh"
	ReasonMEVProtectionRequired  = "MEVProtectionRequired"
	ReasonSubmissionRejected     = "SubmissionRejected"
	ReasonNonceConflict          = "NonceConflict"
	ReasonReverted               = "Reverted"
	ReasonSubmissionsHeld        = "SubmissionsHeld"
)

// Transition is one append-only entry of a record's transition log.
type Transition struct {
	State  ExecutionState `json:"state"`
	At     time.Time      `json:"at"`
	Reason string         `json:"reason,omitempty"`
}

// ExecutionRecord tracks one signal through the execution state machine.
// Exactly one record exists per signal id, created before any network effect.
type ExecutionRecord struct {
	SignalID          string          `json:"signal_id"`
	State             ExecutionState  `json:"state"`
	Transitions       []Transition    `json:"transitions"`
	TxHash            string          `json:"tx_hash,omitempty"`
	FinalNetProfitUSD decimal.Decimal `json:"final_net_profit_usd"`
	FailureReason     string          `json:"failure_reason,omitempty"`
}
