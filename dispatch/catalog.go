package dispatch

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
)

// Invokable is a function resolved in a loaded module, ready to be launched.
type Invokable struct {
	// ID chosen by the caller when loading the module.
	ID string

	// Module that holds the function.
	Module *Module

	// Function handle in the driver.
	Function driver.Function
}

// Catalog maps function identifiers to the functions loaded on one device. Identifiers are unique across
// all the modules loaded on the device.
//
// It's safe for concurrent use: the device's worker writes to it, and any goroutine can read it.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Invokable
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Invokable)}
}

// Register adds the invokable under its ID. It fails with ErrDuplicateFunction if the ID is already known.
func (c *Catalog) Register(inv Invokable) error {
	return c.RegisterAll([]Invokable{inv})
}

// RegisterAll adds all the invokables, or none of them if any of the IDs is already known (or repeated).
func (c *Catalog) RegisterAll(invs []Invokable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(invs))
	for _, inv := range invs {
		if _, found := c.entries[inv.ID]; found || seen[inv.ID] {
			return errors.Wrapf(ErrDuplicateFunction, "function id %q", inv.ID)
		}
		seen[inv.ID] = true
	}
	for _, inv := range invs {
		c.entries[inv.ID] = inv
	}
	return nil
}

// Lookup returns the invokable registered under id, or ErrUnknownFunction.
func (c *Catalog) Lookup(id string) (Invokable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inv, found := c.entries[id]
	if !found {
		return Invokable{}, errors.Wrapf(ErrUnknownFunction, "function id %q", id)
	}
	return inv, nil
}

// IDs returns the sorted identifiers registered.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.entries))
}

// Len returns the number of functions registered.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
