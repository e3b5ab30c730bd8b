package domain

// ReattemptJob asks for the delivery attempt numbered Attempt on the record
// identified by Key. It is stale once the record moves past that attempt.
type ReattemptJob struct {
	Key     AttestationKey
	Attempt int
}
