package core

import (
	"strconv"

	"github.com/google/uuid"
)

// IdGen generates opaque, globally-unique identifiers for every entity the
// core creates: accounts, transactions, money requests, event pools, and
// audit entries. Callers never construct ids themselves.
type IdGen interface {
	// New returns a fresh opaque 128-bit identifier, unique for the
	// lifetime of the system.
	New() string
}

// UUIDGen is the production IdGen, backed by RFC 4122 version-4 UUIDs.
type UUIDGen struct{}

// New returns a new UUIDv4 string.
func (UUIDGen) New() string {
	return uuid.NewString()
}

// SequentialGen is a deterministic IdGen for tests: it returns ids of the
// form "<prefix>-<n>" in increasing order, so test assertions can reference
// ids without scraping them out of return values.
type SequentialGen struct {
	Prefix string
	n      int
}

// New returns the next sequential id.
func (g *SequentialGen) New() string {
	g.n++
	return prefixedSeq(g.Prefix, g.n)
}

func prefixedSeq(prefix string, n int) string {
	if prefix == "" {
		prefix = "id"
	}
	return prefix + "-" + strconv.Itoa(n)
}
