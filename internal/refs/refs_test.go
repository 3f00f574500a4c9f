package refs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, name := range []string{"local", "remote", "master"} {
		b, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, name, b.String())
		assert.True(t, b.Valid())
	}

	_, err := Parse("main")
	assert.ErrorIs(t, err, ErrInvalidBranch)
	assert.False(t, Branch("").Valid())
}
