package service

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hubenschmidt/go-vectordata/vector"
)

// idGenerator issues record ids: UUIDs for string keys, and for int64 keys
// epoch milliseconds that never repeat within the process.
type idGenerator struct {
	keyType vector.KeyType
	now     func() time.Time
	last    atomic.Int64
}

func newIDGenerator(keyType vector.KeyType, now func() time.Time) *idGenerator {
	return &idGenerator{keyType: keyType, now: now}
}

// next returns n fresh ids. Numeric ids are consecutive.
func (g *idGenerator) next(n int) []string {
	ids := make([]string, n)
	if g.keyType == vector.KeyString {
		for i := range ids {
			ids[i] = uuid.NewString()
		}
		return ids
	}

	var base int64
	for {
		last := g.last.Load()
		base = max(g.now().UnixMilli(), last+1)
		if g.last.CompareAndSwap(last, base+int64(n)-1) {
			break
		}
	}
	for i := range ids {
		ids[i] = strconv.FormatInt(base+int64(i), 10)
	}
	return ids
}
