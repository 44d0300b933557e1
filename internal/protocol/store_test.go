package protocol

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maraxen/praxis/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	s := NewStore(db)
	ctx := context.Background()

	record, err := s.Register(ctx, []byte(testutil.SampleProtocol))
	require.NoError(t, err)
	require.Equal(t, "plate-prep", record.Alias)

	stored, def, err := s.Get(ctx, "plate-prep")
	require.NoError(t, err)
	require.Equal(t, record.ID, stored.ID)
	require.Len(t, def.Steps, 3)

	_, _, err = s.Get(ctx, "missing")
	require.Error(t, err)
}

func TestRegisterUpserts(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	s := NewStore(db)
	ctx := context.Background()

	first, err := s.Register(ctx, []byte(testutil.SampleProtocol))
	require.NoError(t, err)

	updated := strings.Replace(testutil.SampleProtocol, "volume_ul: 50", "volume_ul: 75", 1)
	second, err := s.Register(ctx, []byte(updated))
	require.NoError(t, err)

	// Same alias keeps the same record; only the source changes.
	require.Equal(t, first.ID, second.ID)
	require.Contains(t, second.Source, "volume_ul: 75")
}

func TestRegisterRejectsInvalidManifest(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	s := NewStore(db)

	_, err := s.Register(context.Background(), []byte("kind: Nonsense"))
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	s := NewStore(db)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "plate-prep.yaml"),
		[]byte(testutil.SampleProtocol),
		0o644,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "notes.txt"),
		[]byte("not a manifest"),
		0o644,
	))

	require.NoError(t, s.LoadDir(ctx, dir))

	_, def, err := s.Get(ctx, "plate-prep")
	require.NoError(t, err)
	require.Len(t, def.Assets, 2)
}
