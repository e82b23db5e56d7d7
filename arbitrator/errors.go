package arbitrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals no dispute exists for the given id.
	ErrNotFound = errors.New("arbitrator: dispute not found")
	// ErrNotOwner signals a ruling attempt by anyone but the ledger
	// administrator.
	ErrNotOwner = errors.New("arbitrator: caller is not the ledger owner")
	// ErrInvalidStatus signals a ruling for a dispute that is not waiting.
	ErrInvalidStatus = errors.New("arbitrator: invalid dispute status")
	// ErrNotBound signals the ledger has no registered arbitrable registry.
	ErrNotBound = errors.New("arbitrator: no arbitrable registry bound")
)

// InsufficientPaymentError reports a dispute payment below the arbitration
// cost.
type InsufficientPaymentError struct {
	Available int64
	Required  int64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("arbitrator: insufficient payment: have %d, need %d", e.Available, e.Required)
}

// InvalidRulingError reports a ruling outside the dispute's choice range.
type InvalidRulingError struct {
	Ruling  int
	Choices int
}

func (e *InvalidRulingError) Error() string {
	return fmt.Sprintf("arbitrator: invalid ruling %d, dispute offers %d choices", e.Ruling, e.Choices)
}
