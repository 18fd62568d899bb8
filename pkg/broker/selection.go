package broker

import (
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// selectionStore remembers the last selection per logical id. It is keyed by
// the canonical id only and is left alone by ResetForRun.
type selectionStore struct {
	c *cache.Cache
}

// newSelectionStore creates a store. A zero retention keeps selections for the
// life of the process.
func newSelectionStore(retention, cleanup time.Duration) *selectionStore {
	expiration := cache.NoExpiration
	if retention > 0 {
		expiration = retention
	}
	if cleanup <= 0 || expiration == cache.NoExpiration {
		cleanup = 0
	}
	return &selectionStore{c: cache.New(expiration, cleanup)}
}

func (s *selectionStore) set(id string, sel types.Selection) {
	s.c.SetDefault(id, sel.Clone())
}

func (s *selectionStore) get(id string) (types.Selection, bool) {
	v, ok := s.c.Get(id)
	if !ok {
		return nil, false
	}
	sel, ok := v.(types.Selection)
	if !ok {
		return nil, false
	}
	return sel.Clone(), true
}

func (s *selectionStore) delete(id string) {
	s.c.Delete(id)
}

func (s *selectionStore) count() int {
	return s.c.ItemCount()
}

// ParseSelection parses a comma-separated list of indices. Whitespace around
// entries is ignored and empty entries are skipped. Any entry that is not an
// integer makes the whole payload invalid.
func ParseSelection(payload string) (types.Selection, error) {
	sel := types.Selection{}
	for _, part := range strings.Split(payload, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil {
			return types.Selection{}, types.WrapError(types.ErrCodeInvalidArgument,
				"invalid selection entry "+strconv.Quote(part), err)
		}
		sel = append(sel, idx)
	}
	return sel, nil
}
