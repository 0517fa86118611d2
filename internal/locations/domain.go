package locations

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the physical location types the directory tracks.
type Kind string

const (
	KindShop      Kind = "shop"
	KindWarehouse Kind = "warehouse"
)

// Location is a shop or warehouse. Disabled locations stay in the directory
// so their historical batches remain attributable.
type Location struct {
	ID        uuid.UUID
	Kind      Kind
	Name      string
	Active    bool
	CreatedAt time.Time
}

// ErrLocationNotFound indicates a missing directory row.
var ErrLocationNotFound = errors.New("locations: not found")
