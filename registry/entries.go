package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

// ListOptions controls Entries pagination. Cursor is the last digest of the
// previous page and is exclusive.
type ListOptions struct {
	Cursor string
	Size   int
}

// Page is one page of registry entries ordered by digest string.
type Page struct {
	Size    int
	Before  string
	After   string
	Cursor  string
	Results []Entry
}

// Entries lists the entries of space.
func (r *Registry) Entries(ctx context.Context, space string, opts ListOptions) (*Page, error) {
	size := opts.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	var startAfter tabledb.Key
	if opts.Cursor != "" {
		startAfter = tabledb.MakeKey(space, opts.Cursor)
	}

	rows, more, err := r.db.Query(ctx, BlobTable, tabledb.Prefix(space), startAfter, size)
	if err != nil {
		return nil, fmt.Errorf("listing entries of %s: %w", space, err)
	}

	page := &Page{Size: len(rows), Results: make([]Entry, 0, len(rows))}
	for _, row := range rows {
		var er entryRow
		if err := json.Unmarshal(row.Value, &er); err != nil {
			return nil, fmt.Errorf("decoding entry %s: %w", row.Key, err)
		}
		page.Results = append(page.Results, *er.entry())
	}
	if len(page.Results) > 0 {
		page.Before = page.Results[0].Blob.Digest.String()
		if more {
			page.After = page.Results[len(page.Results)-1].Blob.Digest.String()
			page.Cursor = page.After
		}
	}
	return page, nil
}
