package cozo

import "sync"

// CatalogReader is the read-only slice of catalog behavior evaluation and
// trigger firing need; satisfied by *Catalog and by the engine's
// per-transaction overlay view.
type CatalogReader interface {
	Get(name string) (RelationMeta, bool)
	Lookup(name string) (Schema, bool)
	Triggers(name string) (*TriggerSpec, bool)
}

// Catalog holds the in-memory system catalog: every stored relation's
// schema, access level and registered triggers. It mirrors the persisted
// system-catalog bucket (see storage.go) and is rebuilt from it on open.
type Catalog struct {
	mu        sync.RWMutex
	relations map[string]RelationMeta
	triggers  map[string]*TriggerSpec
}

func NewCatalog() *Catalog {
	return &Catalog{
		relations: map[string]RelationMeta{},
		triggers:  map[string]*TriggerSpec{},
	}
}

func (c *Catalog) Put(meta RelationMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations[meta.Name] = meta
}

func (c *Catalog) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relations, name)
	delete(c.triggers, name)
}

func (c *Catalog) Rename(from, to string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.relations[from]
	if !ok {
		return false
	}
	meta.Name = to
	c.relations[to] = meta
	delete(c.relations, from)
	if trig, ok := c.triggers[from]; ok {
		c.triggers[to] = trig
		delete(c.triggers, from)
	}
	return true
}

func (c *Catalog) Get(name string) (RelationMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.relations[name]
	return m, ok
}

// Lookup adapts Get to the SchemaLookup signature the compiler expects.
func (c *Catalog) Lookup(name string) (Schema, bool) {
	m, ok := c.Get(name)
	if !ok {
		return Schema{}, false
	}
	return m.Schema, true
}

func (c *Catalog) List() []RelationMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RelationMeta, 0, len(c.relations))
	for _, m := range c.relations {
		out = append(out, m)
	}
	return out
}

func (c *Catalog) SetAccessLevel(names []string, level AccessLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if m, ok := c.relations[name]; ok {
			m.AccessLevel = level
			c.relations[name] = m
		}
	}
}

func (c *Catalog) SetTriggers(spec *TriggerSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers[spec.Relation] = spec
}

func (c *Catalog) Triggers(name string) (*TriggerSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.triggers[name]
	return t, ok
}
