package revocation

import (
	"errors"
	"fmt"
	"strings"

	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

var (
	// ErrNotRevoked is returned by BuildProof when the delegation has no
	// revocation records. It is a normal negative answer.
	ErrNotRevoked = errors.New("revocation: no revocation record found")

	// ErrBatchTooLarge is returned by GetAll for more than MaxBatchKeys keys.
	ErrBatchTooLarge = tabledb.ErrBatchTooLarge

	// ErrInvalidRecord is returned by AddAll and Reset for records missing a
	// delegation, scope or cause.
	ErrInvalidRecord = errors.New("revocation: invalid record")
)

// PartialResponseError reports keys the table store did not process. The
// caller must retry them; they must never be read as "not revoked".
type PartialResponseError struct {
	Unprocessed []ucanledger.Link
}

func (e *PartialResponseError) Error() string {
	ids := make([]string, len(e.Unprocessed))
	for i, l := range e.Unprocessed {
		ids[i] = l.String()
	}
	return fmt.Sprintf("revocation: %d keys unprocessed: %s", len(ids), strings.Join(ids, ","))
}

// InvalidCIDError reports a delegation identifier that is not a CID.
type InvalidCIDError struct {
	Input string
	Err   error
}

func (e *InvalidCIDError) Error() string {
	return fmt.Sprintf("invalid CID %q: %v", e.Input, e.Err)
}

func (e *InvalidCIDError) Unwrap() error {
	return e.Err
}

// ParseDelegation parses a delegation CID, returning *InvalidCIDError when
// s is malformed.
func ParseDelegation(s string) (ucanledger.Link, error) {
	l, err := ucanledger.ParseLink(s)
	if err != nil {
		return ucanledger.Link{}, &InvalidCIDError{Input: s, Err: err}
	}
	return l, nil
}
