package model

import "github.com/oklog/ulid/v2"

// NewID generates a new task identifier. ULIDs sort by creation time, which
// keeps session index files in submission order.
func NewID() string {
	return "task." + ulid.Make().String()
}
