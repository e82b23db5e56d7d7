package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals no transaction exists for the given id.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrInvalidStatus signals the operation is not valid in the
	// transaction's current status.
	ErrInvalidStatus = errors.New("escrow: invalid status")
	// ErrNotPayer signals a reclaim attempt by someone other than the payer.
	ErrNotPayer = errors.New("escrow: caller is not the payer")
	// ErrNotArbitrator signals a ruling delivered by anyone but the bound
	// arbitrator.
	ErrNotArbitrator = errors.New("escrow: caller is not the arbitrator")
	// ErrUnknownArbitrator signals a create naming an arbitrator the
	// registry is not wired to. Such a transaction could be disputed but
	// never ruled, stranding the escrowed funds.
	ErrUnknownArbitrator = errors.New("escrow: unknown arbitrator")
	// ErrThirdPartyNotAllowed signals evidence from a non-party.
	ErrThirdPartyNotAllowed = errors.New("escrow: caller is neither payer nor payee")
	// ErrReleasedTooEarly signals a non-payer release inside the
	// reclamation window.
	ErrReleasedTooEarly = errors.New("escrow: reclamation period still running")
	// ErrReclaimedTooLate signals a reclaim after the reclamation window.
	ErrReclaimedTooLate = errors.New("escrow: reclamation period elapsed")
	// ErrPayeeDepositStillPending signals a re-reclaim while the payee's fee
	// deposit window is still open.
	ErrPayeeDepositStillPending = errors.New("escrow: payee fee deposit window still open")
)

// InsufficientPaymentError reports a fee deposit below the arbitration cost.
type InsufficientPaymentError struct {
	Available int64
	Required  int64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("escrow: insufficient payment: have %d, need %d", e.Available, e.Required)
}

// InvalidRulingError reports a ruling outside the admissible range.
type InvalidRulingError struct {
	Ruling     int
	MaxChoices int
}

func (e *InvalidRulingError) Error() string {
	return fmt.Sprintf("escrow: invalid ruling %d, max %d", e.Ruling, e.MaxChoices)
}
