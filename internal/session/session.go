// Package session tracks connection presence in Redis and hands out the
// anonymous display ids shown to chat partners.
package session

import (
	"fmt"
	"math/rand/v2"
)

// NewAnonID returns a display id of the form "User####" in 1000..9999.
// Uniqueness is not guaranteed; Store.ReserveAnonID enforces it across live
// connections.
func NewAnonID() string {
	return fmt.Sprintf("User%d", 1000+rand.IntN(9000))
}
