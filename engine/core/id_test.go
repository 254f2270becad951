package core_test

import (
	"testing"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	t.Run("Should treat the empty string as zero", func(t *testing.T) {
		var id core.ID
		assert.True(t, id.IsZero())
		assert.False(t, core.ID("tx-1").IsZero())
		assert.Equal(t, "tx-1", core.ID("tx-1").String())
	})

	t.Run("Should generate distinct parseable IDs", func(t *testing.T) {
		seen := make(map[core.ID]struct{})
		for range 100 {
			id, err := core.NewID()
			require.NoError(t, err)
			parsed, err := core.ParseID(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, parsed)
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, 100)
	})

	t.Run("Should not panic in MustNewID", func(t *testing.T) {
		assert.NotPanics(t, func() { assert.False(t, core.MustNewID().IsZero()) })
	})
}

func TestParseID(t *testing.T) {
	t.Run("Should reject the empty string", func(t *testing.T) {
		id, err := core.ParseID("")
		assert.ErrorContains(t, err, "empty ID")
		assert.True(t, id.IsZero())
	})
	t.Run("Should reject malformed input", func(t *testing.T) {
		for _, raw := range []string{"not-a-valid-ksuid", "!@#$%^&*()"} {
			id, err := core.ParseID(raw)
			assert.ErrorContains(t, err, "invalid ID format", raw)
			assert.True(t, id.IsZero())
		}
	})
}
