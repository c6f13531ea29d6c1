package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pinner/pkg/pin"
)

// BoardLister fetches the account's boards from the platform.
type BoardLister interface {
	Boards(ctx context.Context) ([]pin.Board, error)
}

// Directory resolves board names against the account's board list, fetched
// once on first use and matched case-insensitively.
type Directory struct {
	lister BoardLister
	once   sync.Once
	byName map[string]string
	err    error
}

// NewDirectory wraps a board lister in a lazily loaded name index.
func NewDirectory(lister BoardLister) *Directory {
	return &Directory{lister: lister}
}

// Resolve maps a board name to its id.
func (d *Directory) Resolve(ctx context.Context, name string) (string, bool, error) {
	d.once.Do(func() {
		boards, err := d.lister.Boards(ctx)
		if err != nil {
			d.err = fmt.Errorf("load board directory: %w", err)
			return
		}
		d.byName = make(map[string]string, len(boards))
		for _, b := range boards {
			d.byName[strings.ToLower(strings.TrimSpace(b.Name))] = b.ID
		}
	})
	if d.err != nil {
		return "", false, d.err
	}
	id, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]
	return id, ok, nil
}
