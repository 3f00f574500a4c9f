// Package refs names the branches of the settings log.
package refs

import (
	"errors"
	"fmt"
)

// ErrInvalidBranch is returned for names that are not one of the log branches.
var ErrInvalidBranch = errors.New("invalid branch")

// Branch is a named pointer into the log history.
type Branch string

const (
	// Local follows changes made on this machine.
	Local Branch = "local"
	// Remote follows states received from or acknowledged by the server.
	Remote Branch = "remote"
	// Master is the merged state of local and remote.
	Master Branch = "master"
)

// All lists the branches in the order they are resolved as head: master first.
var All = []Branch{Master, Local, Remote}

// Valid reports whether b is a known branch.
func (b Branch) Valid() bool {
	switch b {
	case Local, Remote, Master:
		return true
	}
	return false
}

func (b Branch) String() string { return string(b) }

// Parse converts a name into a Branch.
func Parse(name string) (Branch, error) {
	b := Branch(name)
	if !b.Valid() {
		return "", fmt.Errorf("%w: %q (expected local, remote or master)", ErrInvalidBranch, name)
	}
	return b, nil
}
