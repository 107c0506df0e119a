// Package idgen generates the identifiers of observations, runs and events.
//
// Every ID embeds a UUIDv7, so IDs of one kind sort lexically in creation
// order. The aggregator breaks scraped_at ties on that order.
package idgen

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator returns a new unique ID on each call.
type Generator func() string

// Prefixes of the ID kinds. Observation IDs are bare UUIDs.
const (
	RunPrefix   = "run_"
	EventPrefix = "evt_"
)

func v7() string { return uuid.Must(uuid.NewV7()).String() }

// Observation generates observation IDs.
var Observation Generator = v7

// Run generates collection-run IDs.
var Run Generator = func() string { return RunPrefix + v7() }

// Event generates business-event IDs.
var Event Generator = func() string { return EventPrefix + v7() }

// Sequence returns a deterministic Generator yielding prefix0001,
// prefix0002 and so on. Safe for concurrent use.
func Sequence(prefix string) Generator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		n++
		id := fmt.Sprintf("%s%04d", prefix, n)
		mu.Unlock()
		return id
	}
}
