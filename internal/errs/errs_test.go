package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	err := E(KindSigning, "crossSign", base)

	assert.Equal(t, KindSigning, KindOf(err))
	assert.True(t, Is(err, KindSigning))
	assert.False(t, Is(err, KindInput))
	assert.ErrorIs(t, err, base)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, KindSigning, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(base))
}

func TestENil(t *testing.T) {
	assert.NoError(t, E(KindInput, "op", nil))
	assert.False(t, Is(nil, KindInput))
}

func TestSentinelThroughKind(t *testing.T) {
	err := E(KindAuthentication, "connectHub", ErrCertNotYetValid)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCertNotYetValid)
	assert.Contains(t, err.Error(), "connectHub: authentication error")
}
