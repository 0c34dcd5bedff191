package writeplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestWritePlan_LoadCatalog(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, `
streams:
  - namespace: public
    name: users
    sync_mode: append_dedupe
    primary_key: [id]
    cursor: updated
    columns:
      - {name: id, type: integer}
      - {name: name}
  - name: events
`)
	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Streams, 2)
	require.Equal(t, SyncModeAppendDedupe, c.Streams[0].SyncMode)
	require.Equal(t, ColumnTypeString, c.Streams[0].Columns[1].Type)
	require.Equal(t, SyncModeAppend, c.Streams[1].SyncMode)
}

func TestWritePlan_LoadCatalog_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown sync mode",
			body:    "streams:\n  - name: users\n    sync_mode: upsert\n",
			wantErr: `unknown sync mode "upsert"`,
		},
		{
			name:    "dedupe without primary key",
			body:    "streams:\n  - name: users\n    sync_mode: append_dedupe\n",
			wantErr: "requires a primary key",
		},
		{
			name:    "empty name",
			body:    "streams:\n  - namespace: public\n",
			wantErr: "name is required",
		},
		{
			name:    "unknown field",
			body:    "streams:\n  - name: users\n    mode: append\n",
			wantErr: "failed to parse catalog",
		},
		{
			name:    "no streams",
			body:    "streams: []\n",
			wantErr: "catalog has no streams",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadCatalog(writeCatalog(t, tt.body))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read catalog")
}
