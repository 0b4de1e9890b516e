package engine

import (
	"github.com/nekogravitycat/booking-sync/internal/pkg/apperror"
)

var (
	ErrAlreadyInFlight     = apperror.New(apperror.KindInvalid, "a reservation is already in flight")
	ErrSlotTaken           = apperror.New(apperror.KindConflict, "slot already taken")
	ErrConfirmationTimeout = apperror.New(apperror.KindTimeout, "no confirmation before timeout")
	ErrClosed              = apperror.New(apperror.KindInvalid, "engine is closed")
	ErrNoConsumerIdentity  = apperror.New(apperror.KindInvalid, "engine has no consumer identity")
	ErrNoOwnerIdentity     = apperror.New(apperror.KindInvalid, "engine has no owner identity")
)
