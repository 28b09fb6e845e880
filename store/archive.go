package store

import (
	"context"
	"fmt"

	"github.com/multiformats/go-multibase"
	ucanledger "github.com/wolfeidau/ucan-ledger"
	"github.com/wolfeidau/ucan-ledger/car"
)

const (
	messagePrefix    = "messages"
	delegationPrefix = "delegations"
)

// ArchiveStore keeps agent message archives under messages/{cid}/{cid}.
type ArchiveStore struct {
	objects *Objects
}

// NewArchiveStore creates an archive store.
func NewArchiveStore(objects *Objects) *ArchiveStore {
	return &ArchiveStore{objects: objects}
}

// Put stores the raw archive bytes. Archives are keyed by their CID, so an
// archive that is already stored is left untouched.
func (s *ArchiveStore) Put(ctx context.Context, link ucanledger.Link, data []byte) error {
	key := messageKey(link)
	ok, err := s.objects.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking %s: %w", key, err)
	}
	if ok {
		return nil
	}
	return s.objects.Put(ctx, key, car.ContentType, link, data)
}

// Get returns the raw archive bytes or ErrNotFound.
func (s *ArchiveStore) Get(ctx context.Context, link ucanledger.Link) ([]byte, error) {
	obj, err := s.objects.Get(ctx, messageKey(link))
	if err != nil {
		return nil, err
	}
	return obj.Body, nil
}

// Has reports whether the archive is stored.
func (s *ArchiveStore) Has(ctx context.Context, link ucanledger.Link) (bool, error) {
	return s.objects.Exists(ctx, messageKey(link))
}

func messageKey(link ucanledger.Link) string {
	id := link.String()
	return fmt.Sprintf("%s/%s/%s", messagePrefix, id, id)
}

// DelegationStore keeps delegation bytes under delegations/{cid}.car, keyed
// by the base32 form of the CID.
type DelegationStore struct {
	objects *Objects
}

// NewDelegationStore creates a delegation store.
func NewDelegationStore(objects *Objects) *DelegationStore {
	return &DelegationStore{objects: objects}
}

// Put stores the bytes of a delegation or invocation. data is either the
// block the link hashes to or a CAR archive containing it.
func (s *DelegationStore) Put(ctx context.Context, link ucanledger.Link, data []byte) error {
	key, err := delegationKey(link)
	if err != nil {
		return err
	}
	return s.objects.Put(ctx, key, car.ContentType, link, data)
}

// Get returns the stored bytes or ErrNotFound.
func (s *DelegationStore) Get(ctx context.Context, link ucanledger.Link) ([]byte, error) {
	key, err := delegationKey(link)
	if err != nil {
		return nil, err
	}
	obj, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return obj.Body, nil
}

func delegationKey(link ucanledger.Link) (string, error) {
	id, err := link.Cid().StringOfBase(multibase.Base32)
	if err != nil {
		return "", fmt.Errorf("encoding delegation key: %w", err)
	}
	return fmt.Sprintf("%s/%s.car", delegationPrefix, id), nil
}
