package txbtree

import "sync"

// catalogEntry binds one table's name to its storage file.
type catalogEntry struct {
	name string
	file DbFile
}

// Catalog is the engine's table registry: table id -> DbFile, plus the
// name a client looks tables up by (spec.md §6 "External Interfaces",
// which names Catalog as a collaborator without specifying it further;
// SPEC_FULL.md §4 supplements the concrete registry implied by that
// reference).
type Catalog struct {
	mu      sync.RWMutex
	byID    map[int]*catalogEntry
	byName  map[string]int
}

// NewCatalog builds an empty table registry.
func NewCatalog() *Catalog {
	return &Catalog{
		byID:   make(map[int]*catalogEntry),
		byName: make(map[string]int),
	}
}

// AddTable registers file under name, keyed by file.ID(). Re-registering
// a name replaces its previous binding, the way a teaching database's
// catalog re-binds a name on CREATE TABLE without requiring a DROP.
func (c *Catalog) AddTable(name string, file DbFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[file.ID()] = &catalogEntry{name: name, file: file}
	c.byName[name] = file.ID()
}

// GetTableID resolves a table name to its id.
func (c *Catalog) GetTableID(name string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return 0, newDbException(NoSuchTupleError, "no table named "+name)
	}
	return id, nil
}

// GetDbFile resolves a table id to its DbFile.
func (c *Catalog) GetDbFile(tableID int) (DbFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[tableID]
	if !ok {
		return nil, newDbException(NoSuchTupleError, "no table with the given id")
	}
	return e.file, nil
}

// GetTupleDesc resolves a table id to its schema.
func (c *Catalog) GetTupleDesc(tableID int) (*TupleDesc, error) {
	f, err := c.GetDbFile(tableID)
	if err != nil {
		return nil, err
	}
	return f.TupleDesc(), nil
}

// TableName resolves a table id back to the name it was registered
// under, for diagnostics and the REPL prompt.
func (c *Catalog) TableName(tableID int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[tableID]
	if !ok {
		return "", newDbException(NoSuchTupleError, "no table with the given id")
	}
	return e.name, nil
}
