package colors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/javanhut/settingsync/internal/snapshot"
)

func TestDisabledColorsArePlain(t *testing.T) {
	prev := IsColorEnabled()
	defer SetColorEnabled(prev)
	SetColorEnabled(false)

	assert.Equal(t, "x", Red("x"))
	assert.Equal(t, "  M  a.xml 3 B", FileState(snapshot.NewModified("a.xml", []byte("abc")), "3 B"))
	assert.Equal(t, "  D  gone.xml", FileState(snapshot.NewDeleted("gone.xml"), ""))
}

func TestEnabledColorsWrap(t *testing.T) {
	prev := IsColorEnabled()
	defer SetColorEnabled(prev)
	SetColorEnabled(true)

	assert.Equal(t, BrightGreen+"ok"+ColorReset, SuccessText("ok"))
	assert.Contains(t, Branch("local", "abc", false), BrightYellow)
}
