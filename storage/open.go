package storage

import (
	"fmt"
)

// Open creates the Store selected by backend: "badger" (default) or
// "memory". The memory backend keeps nothing across restarts and is meant
// for tests and single-process demos.
func Open(backend string, cfg BadgerConfig) (Store, error) {
	switch backend {
	case "", "badger":
		return NewBadgerStore(cfg)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

var (
	_ Store = (*BadgerStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
