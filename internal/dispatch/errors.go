package dispatch

import "errors"

var (
	// ErrAlreadyAssigned is returned to accept callers that lose the
	// assignment race. It is informational to the loser, not a system
	// fault.
	ErrAlreadyAssigned = errors.New("emergency already assigned to another driver")

	// ErrOfferExpired is returned when a driver acts on an offer the
	// server timer has already retired.
	ErrOfferExpired = errors.New("offer expired")

	// ErrNotFound covers unknown emergencies and operations by drivers the
	// emergency was never assigned to.
	ErrNotFound = errors.New("emergency not found")

	// ErrNoLiveOffer is returned when an offer is requested while a prior
	// attempt is still pending.
	ErrNoLiveOffer = errors.New("offer attempt still pending")
)
