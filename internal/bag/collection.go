package bag

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LocalItem is the locally-rendered view of a bag entry. While pending it
// exists only locally under a temporary ID; once confirmed it carries the
// server entity. An entry is exactly one of provisional, confirmed or
// removed, never both.
type LocalItem struct {
	Item
	TempID  string
	Pending bool
}

// Collection is the locally-rendered item list with optimistic inserts.
// Mutations are copy-on-write: every change builds a fresh slice, so a
// snapshot handed out earlier is never mutated underneath its holder.
//
// Not safe for concurrent use; the owning session goroutine applies all
// mutations, background work posts results back to it.
type Collection struct {
	items []LocalItem
}

func NewCollection() *Collection {
	return &Collection{}
}

// InsertProvisional appends a pending entry immediately and returns its
// temporary ID. Temporary IDs are UUIDs under a "tmp_" prefix so they can
// never collide with server identifiers.
func (c *Collection) InsertProvisional(item Item) string {
	tempID := "tmp_" + uuid.NewString()

	next := make([]LocalItem, len(c.items), len(c.items)+1)
	copy(next, c.items)
	next = append(next, LocalItem{Item: item, TempID: tempID, Pending: true})
	c.items = next

	return tempID
}

// Reconcile resolves a provisional entry once its creation request
// settled. On success the entry is replaced in place, preserving list
// position; the server entity is authoritative for every field it
// returns, and the locally-known photo URL is kept only because the
// creation endpoint documents that it does not echo it. On failure the
// entry is removed and an OptimisticRollbackError is returned for the
// caller to surface as a transient notification.
func (c *Collection) Reconcile(tempID string, server *Item, commitErr error) error {
	idx := c.indexOfTemp(tempID)
	if idx < 0 {
		return fmt.Errorf("no provisional item %s", tempID)
	}

	if commitErr != nil {
		next := make([]LocalItem, 0, len(c.items)-1)
		next = append(next, c.items[:idx]...)
		next = append(next, c.items[idx+1:]...)
		c.items = next
		log.Warn().Str("tempId", tempID).Err(commitErr).Msg("provisional item rolled back")
		return &OptimisticRollbackError{TempID: tempID, Err: commitErr}
	}

	confirmed := LocalItem{Item: *server}
	if confirmed.PhotoURL == "" {
		confirmed.PhotoURL = c.items[idx].PhotoURL
	}

	next := make([]LocalItem, len(c.items))
	copy(next, c.items)
	next[idx] = confirmed
	c.items = next
	return nil
}

// ApplyPhotoURL updates the photo of a confirmed item, e.g. after a batch
// photo application. Unknown IDs are ignored so a failed sibling entry
// stays untouched.
func (c *Collection) ApplyPhotoURL(itemID, photoURL string) {
	idx := c.indexOfID(itemID)
	if idx < 0 {
		return
	}
	next := make([]LocalItem, len(c.items))
	copy(next, c.items)
	next[idx].PhotoURL = photoURL
	c.items = next
}

// Remove drops a confirmed item from the local view.
func (c *Collection) Remove(itemID string) {
	idx := c.indexOfID(itemID)
	if idx < 0 {
		return
	}
	next := make([]LocalItem, 0, len(c.items)-1)
	next = append(next, c.items[:idx]...)
	next = append(next, c.items[idx+1:]...)
	c.items = next
}

// Items returns the current snapshot. The returned slice is never mutated
// by later operations.
func (c *Collection) Items() []LocalItem {
	return c.items
}

// PendingCount reports provisional entries still awaiting reconciliation.
func (c *Collection) PendingCount() int {
	count := 0
	for _, item := range c.items {
		if item.Pending {
			count++
		}
	}
	return count
}

func (c *Collection) indexOfTemp(tempID string) int {
	for i, item := range c.items {
		if item.Pending && item.TempID == tempID {
			return i
		}
	}
	return -1
}

func (c *Collection) indexOfID(itemID string) int {
	for i, item := range c.items {
		if !item.Pending && item.ID == itemID {
			return i
		}
	}
	return -1
}
