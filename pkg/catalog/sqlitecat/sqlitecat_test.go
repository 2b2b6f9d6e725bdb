package sqlitecat

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/catalog/testcat"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	original := testcat.TPCH(4)
	require.NoError(t, Save(original, path))

	loaded, err := Load(path, "tpch")
	require.NoError(t, err)

	lineitem, err := loaded.FindTable("lineitem")
	require.NoError(t, err)
	assert.Equal(t, 6_000_000.0, lineitem.NumRows)
	require.Len(t, lineitem.Columns, 16)

	orderkey := lineitem.Column("l_orderkey")
	require.NotNil(t, orderkey)
	assert.Equal(t, types.Bigint(), orderkey.Type)
	assert.Equal(t, 1_500_000.0, orderkey.Cardinality)

	// Partitioning survives the round trip.
	assert.Len(t, lineitem.Layouts[0].Partition, 1)
	assert.Equal(t, 4, lineitem.Layouts[0].NumPartitions)

	// The unique order layout was restored.
	found := false
	for _, layout := range lineitem.Layouts {
		if len(layout.Order) > 0 && layout.Unique {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLoadMissingFileMakesEmptySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	schema, err := Load(path, "empty")
	require.NoError(t, err)
	assert.Empty(t, schema.Tables())
}
