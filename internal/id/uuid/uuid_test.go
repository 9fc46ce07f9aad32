package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.True(t, Valid(id1))
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.True(t, Valid("0190f3c2-7b1e-7c3a-9d2e-1f2a3b4c5d6e"))
	require.False(t, Valid(""))
	require.False(t, Valid("not-a-uuid"))
	require.False(t, Valid("{0190f3c2-7b1e-7c3a-9d2e-1f2a3b4c5d6e}"))
	require.False(t, Valid("0190F3C2-7B1E-7C3A-9D2E-1F2A3B4C5D6E"))
}
