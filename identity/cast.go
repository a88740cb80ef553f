package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"VideoAgent-server/models"
)

// Cast is the in-memory registry of a project's characters. Characters are
// keyed by stable ID; names only live in the name index, so a rename is a
// single locked update of that index.
type Cast struct {
	mu     sync.RWMutex
	byID   map[string]*models.Character
	byName map[string]string // folded short name -> ID

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	now func() time.Time
}

// NewCast builds a registry. Two characters sharing a short name is an
// identity conflict.
func NewCast(chars []models.Character) (*Cast, error) {
	c := &Cast{
		byID:   make(map[string]*models.Character, len(chars)),
		byName: make(map[string]string, len(chars)),
		locks:  make(map[string]chan struct{}),
		now:    time.Now,
	}
	for i := range chars {
		ch := chars[i]
		k := key(ch.Name)
		if ch.ID == "" || k == "" {
			return nil, fmt.Errorf("%w: character %d has no id or name", ErrIdentityConflict, i)
		}
		if other, ok := c.byName[k]; ok && other != ch.ID {
			return nil, fmt.Errorf("%w: %q used by two characters", ErrIdentityConflict, ch.Name)
		}
		c.byID[ch.ID] = &ch
		c.byName[k] = ch.ID
	}
	return c, nil
}

func (c *Cast) Get(id string) (models.Character, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byID[id]
	if !ok {
		return models.Character{}, false
	}
	return *ch, true
}

// Lookup resolves a name with the same rules as Resolve.
func (c *Cast) Lookup(name string) (models.Character, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.byName[key(name)]; ok {
		return *c.byID[id], nil
	}
	id, err := Resolve(name, c.listLocked())
	if err != nil {
		return models.Character{}, err
	}
	return *c.byID[id], nil
}

// List returns a snapshot ordered by ordinal.
func (c *Cast) List() []models.Character {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listLocked()
}

func (c *Cast) listLocked() []models.Character {
	out := make([]models.Character, 0, len(c.byID))
	for _, ch := range c.byID {
		out = append(out, *ch)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rename moves a character to newName. The old name must resolve exactly
// and newName must not belong to another character; on error nothing
// changes. Renaming waits for in-flight mutations of the same character.
func (c *Cast) Rename(ctx context.Context, oldName, newName string) (models.Character, error) {
	oldKey, newKey := key(oldName), key(newName)
	if newKey == "" {
		return models.Character{}, fmt.Errorf("%w: empty new name", ErrIdentityConflict)
	}

	c.mu.RLock()
	id, found := c.byName[oldKey]
	c.mu.RUnlock()
	if !found {
		return models.Character{}, fmt.Errorf("%w: unknown character %q", ErrIdentityConflict, oldName)
	}

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return models.Character{}, err
	}
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// 等锁期间可能已被改名
	if cur, still := c.byName[oldKey]; !still || cur != id {
		return models.Character{}, fmt.Errorf("%w: %q was renamed concurrently", ErrIdentityConflict, oldName)
	}
	if other, taken := c.byName[newKey]; taken && other != id {
		return models.Character{}, fmt.Errorf("%w: %q already exists", ErrIdentityConflict, newName)
	}

	ch := c.byID[id]
	delete(c.byName, oldKey)
	c.byName[newKey] = id
	ch.Name = newName
	ch.UpdatedAt = c.now()
	return *ch, nil
}

// SetReferenceImage replaces the single authoritative image of a character.
func (c *Cast) SetReferenceImage(ctx context.Context, id, url, source string) (models.Character, error) {
	return c.Mutate(ctx, id, func(ch *models.Character) error {
		ch.ReferenceImage = url
		if source != "" {
			ch.Source = source
		}
		return nil
	})
}

// Mutate runs fn on a copy of the character and commits the copy when fn
// succeeds. Mutations of the same character run one at a time; the name
// cannot be changed this way, use Rename.
func (c *Cast) Mutate(ctx context.Context, id string, fn func(*models.Character) error) (models.Character, error) {
	if _, ok := c.Get(id); !ok {
		return models.Character{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	unlock, err := c.lock(ctx, id)
	if err != nil {
		return models.Character{}, err
	}
	defer unlock()

	cur, ok := c.Get(id)
	if !ok {
		return models.Character{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	work := cur
	if err := fn(&work); err != nil {
		return cur, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byID[id]
	if !ok {
		return models.Character{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	name := ch.Name
	*ch = work
	ch.ID = id
	ch.Name = name
	ch.UpdatedAt = c.now()
	return *ch, nil
}

// lock acquires the per-character mutation slot, honoring ctx.
func (c *Cast) lock(ctx context.Context, id string) (func(), error) {
	c.locksMu.Lock()
	slot, ok := c.locks[id]
	if !ok {
		slot = make(chan struct{}, 1)
		c.locks[id] = slot
	}
	c.locksMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
