package services

import "errors"

var (
	// ErrInvalidReferralCode means the redeemed code is unknown or inactive.
	// Registration proceeds unattributed; the orphan sweep picks the user up.
	ErrInvalidReferralCode = errors.New("invalid or inactive referral code")

	// ErrSelfReferral means a user tried to redeem their own code.
	ErrSelfReferral = errors.New("cannot redeem your own referral code")

	// ErrAlreadyReferred means the user already has a referrer. Non-fatal
	// conflict: the existing edge stands.
	ErrAlreadyReferred = errors.New("user already has a referrer")

	// ErrGenerationExhausted means code generation ran out of retry budget.
	// With a 32^6 keyspace this indicates something badly wrong, not bad luck.
	ErrGenerationExhausted = errors.New("referral code generation exhausted retries")

	// ErrTransientConflict means an optimistic counter update lost its race
	// too many times in a row. Safe to retry from the caller.
	ErrTransientConflict = errors.New("concurrent update conflict, retry")

	// ErrDataIntegrity means the ancestor chain is broken: a cycle, a missing
	// ancestor, or a depth past any legitimate tree. Propagation halts and
	// the condition is logged for manual remediation. Never auto-retried.
	ErrDataIntegrity = errors.New("referral tree integrity violation")

	ErrUserNotFound = errors.New("user not found")
)
