package diffmerge

import (
	"time"

	"github.com/javanhut/settingsync/internal/commit"
)

// Side names one of the two merged branches.
type Side uint8

const (
	Left Side = iota + 1
	Right
)

// String returns the side name.
func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// NewerSideWins picks the side whose most recent change is later. The whole
// tree of the winner replaces the other side, including paths that did not
// conflict. Equal timestamps go to Right.
func NewerSideWins(left, right commit.Tree, leftNewest, rightNewest time.Time) (commit.Tree, Side) {
	if leftNewest.After(rightNewest) {
		return left.Clone(), Left
	}
	return right.Clone(), Right
}
