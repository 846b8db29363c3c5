package engagement

import "errors"

var (
	ErrUnknownPlatform      = errors.New("unknown platform")
	ErrTenantRequired       = errors.New("tenant id is required")
	ErrValidation           = errors.New("validation failed")
	ErrAccountNotFound      = errors.New("connected account not found")
	ErrAccountConflict      = errors.New("connected account already registered")
	ErrInteractionNotFound  = errors.New("interaction not found")
	ErrInteractionDuplicate = errors.New("interaction already ingested")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrCustomerConflict     = errors.New("customer identifier already owned")
	ErrNoStrongIdentifier   = errors.New("sender carries no strong identifier")
)
