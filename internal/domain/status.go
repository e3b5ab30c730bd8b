package domain

import (
	"fmt"
	"strings"
)

// Status represents the delivery state of an attestation message.
type Status string

const (
	StatusNotSent   Status = "NOT_SENT"
	StatusSent      Status = "SENT"
	StatusQueued    Status = "QUEUED"
	StatusUpstream  Status = "UPSTREAM"
	StatusOther     Status = "OTHER"
	StatusFailed    Status = "FAILED"
	StatusDelivered Status = "DELIVERED"
)

// statusRank orders statuses for the delivery report gate. A report is only
// applied when it ranks strictly higher than the stored status. Other sits
// between Upstream and Failed; new provider statuses need a slot here before
// they can be accepted.
var statusRank = map[Status]int{
	StatusNotSent:   0,
	StatusSent:      1,
	StatusQueued:    2,
	StatusUpstream:  3,
	StatusOther:     4,
	StatusFailed:    5,
	StatusDelivered: 6,
}

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the ordinal of s, or -1 when s is unknown.
func (s Status) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// Supersedes reports whether s may replace current.
func (s Status) Supersedes(current Status) bool {
	if !s.IsValid() {
		return false
	}
	return s.Rank() > current.Rank()
}

// AwaitingConfirmation reports whether s means a provider accepted the
// message and a delivery report is still expected.
func (s Status) AwaitingConfirmation() bool {
	switch s {
	case StatusSent, StatusQueued, StatusUpstream, StatusOther:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Outcome is the caller facing summary of an attestation.
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomeSent          Outcome = "sent"
	OutcomeDelivered     Outcome = "delivered"
	OutcomeFailed        Outcome = "failed"
	OutcomeUnableToServe Outcome = "unable_to_serve"
)

func (o Outcome) String() string { return string(o) }

// IsTerminal reports whether no further progress is possible without a
// re-request.
func (o Outcome) IsTerminal() bool {
	switch o {
	case OutcomeDelivered, OutcomeFailed, OutcomeUnableToServe:
		return true
	}
	return false
}
