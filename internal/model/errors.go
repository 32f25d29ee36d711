package model

import "errors"

// Error taxonomy. Hard-constraint failures are never downgraded to soft
// penalties; they surface as one of these with an operator-readable detail.
var (
	ErrInsufficientCoverage = errors.New("insufficient coverage")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrInfeasible           = errors.New("infeasible")
	ErrOffDuty              = errors.New("driver off duty")
	ErrHourLimitExceeded    = errors.New("hour limit exceeded")
	ErrLicenseInvalid       = errors.New("license invalid")
	ErrMedicalExpired       = errors.New("medical clearance expired")
	ErrRestricted           = errors.New("driver restricted")
	ErrNoEligibleDriver     = errors.New("no eligible driver")
	ErrInvalidSample        = errors.New("invalid location sample")
)
