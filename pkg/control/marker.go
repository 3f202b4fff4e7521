package control

import (
	"fmt"
	"time"
)

// Marker is the cached "do not scan before" value of one database.
type Marker struct {
	ResumeAt   time.Time
	Indefinite bool
}

// IndefiniteMarker is the marker of a database with no pending work.
var IndefiniteMarker = Marker{Indefinite: true}

// MarkerAt builds a marker from a store's next eligible time. ok false
// means no pending job exists.
func MarkerAt(at time.Time, ok bool) Marker {
	if !ok {
		return IndefiniteMarker
	}
	return Marker{ResumeAt: at}
}

// Blocks reports whether the database can be skipped at now.
func (m Marker) Blocks(now time.Time) bool {
	return m.Indefinite || m.ResumeAt.After(now)
}

func (m Marker) String() string {
	if m.Indefinite {
		return "indefinite"
	}
	return fmt.Sprintf("resume at %s", m.ResumeAt.Format(time.RFC3339Nano))
}
