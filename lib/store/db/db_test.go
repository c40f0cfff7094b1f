package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/store/fs"
)

func TestNew(t *testing.T) {
	j, err := New(FS, filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	require.IsType(t, &fs.Journal{}, j)
	require.NoError(t, Close(FS, j))

	_, err = New("sqlite", "")
	require.Error(t, err)
}
