package domain

import "errors"

// ErrDuplicate reports a unique-constraint collision in the store.
var ErrDuplicate = errors.New("duplicate key")

// ErrNotFound is returned by lookups that require a row to exist.
var ErrNotFound = errors.New("not found")

// Domain-rule outcomes. Callers are expected to handle these directly.
var (
	ErrAlreadyFollowing = errors.New("already following")
	ErrNotFollowing     = errors.New("not following")
	ErrNoFollowRequest  = errors.New("no follow request")
	ErrAlreadyRequested = errors.New("follow already requested")
	ErrAlreadyBlocked   = errors.New("already blocking")
	ErrNotBlocking      = errors.New("not blocking")
	ErrBlocked          = errors.New("blocked by the other party")
	ErrBlocking         = errors.New("blocking the other party")
	ErrAlreadyMuted     = errors.New("already muting")
	ErrAlreadyReacted   = errors.New("already reacted")
	ErrNotReacted       = errors.New("not reacted")
	ErrAlreadyPinned    = errors.New("already pinned")
	ErrNotPinned        = errors.New("not pinned")
	ErrAlreadyVoted     = errors.New("already voted")
	ErrPollClosed       = errors.New("poll is closed")
	ErrInvalidChoice    = errors.New("invalid poll choice")
	ErrNotVisible       = errors.New("post is not visible to the actor")
	ErrNoRecipients     = errors.New("specified visibility without recipients")
	ErrSuspended        = errors.New("actor is suspended")
	ErrNotLocal         = errors.New("actor is not local")
)

// PermanentError marks a failure that must never be retried: malformed
// objects, host mismatches, blocked hosts and 4xx responses.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true for it. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether any error in the chain is permanent, either
// wrapped with Permanent or classified by its own Temporary method.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return true
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return !t.Temporary()
	}
	return false
}

var ruleErrors = []error{
	ErrAlreadyFollowing, ErrNotFollowing, ErrNoFollowRequest, ErrAlreadyRequested,
	ErrAlreadyBlocked, ErrNotBlocking, ErrBlocked, ErrBlocking, ErrAlreadyMuted,
	ErrAlreadyReacted, ErrNotReacted, ErrAlreadyPinned, ErrNotPinned,
	ErrAlreadyVoted, ErrPollClosed, ErrInvalidChoice, ErrNotVisible, ErrSuspended,
}

// IsRuleViolation reports whether err is one of the domain-rule outcomes
// that callers turn into a skip instead of a failure.
func IsRuleViolation(err error) bool {
	for _, r := range ruleErrors {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
