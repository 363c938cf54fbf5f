// Package all is a meta-package that imports all store implementations.
//
// Import it for side effects wherever store backends are looked up by name.
package all

import (
	_ "github.com/uvensys/bastet/lib/store/bbolt"
	_ "github.com/uvensys/bastet/lib/store/memory"
	_ "github.com/uvensys/bastet/lib/store/valkey"
)
