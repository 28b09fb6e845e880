package agentlog

import (
	"errors"
	"fmt"

	ucanledger "github.com/wolfeidau/ucan-ledger"
)

var (
	// ErrRecordNotFound is returned by lookups when no archive holds the
	// requested invocation or receipt.
	ErrRecordNotFound = errors.New("agentlog: record not found")

	// ErrIndexMiss means no in-link exists for the invocation.
	ErrIndexMiss = errors.New("no index entry for invocation")

	// ErrArchiveMiss means the indexed archive could not be fetched.
	ErrArchiveMiss = errors.New("indexed archive not found")

	// ErrInvocationAbsent means the fetched archive lacks the invocation.
	ErrInvocationAbsent = errors.New("invocation absent from indexed archive")
)

// DecodeError reports an archive that could not be decoded. It is a caller
// error and is never retried.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode error: " + e.Reason
	}
	return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MissingInvocationRecordError reports a receipt whose invocation could not
// be resolved through the in-link index. It indicates an index or ordering
// fault and must not be dropped.
type MissingInvocationRecordError struct {
	Receipt    ucanledger.Link
	Invocation ucanledger.Link
	Err        error
}

func (e *MissingInvocationRecordError) Error() string {
	return fmt.Sprintf("missing invocation %s for receipt %s: %v", e.Invocation, e.Receipt, e.Err)
}

func (e *MissingInvocationRecordError) Unwrap() error {
	return e.Err
}
