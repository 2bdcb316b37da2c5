package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationFilesEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var sawUp, sawDown bool
	for _, e := range entries {
		switch e.Name() {
		case "0001_init.up.sql":
			sawUp = true
		case "0001_init.down.sql":
			sawDown = true
		}
	}
	require.True(t, sawUp, "expected 0001_init.up.sql to be embedded")
	require.True(t, sawDown, "expected 0001_init.down.sql to be embedded")
}
