package txbtree

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogResolvesMixedFileTypes(t *testing.T) {
	dir := t.TempDir()
	lm := NewLockManager(300*time.Millisecond, 50*time.Millisecond, nil)
	bp := NewBufferPool(100, lm, nil)
	desc := &TupleDesc{Fields: []FieldType{{Fname: "k", Ftype: IntType}}, KeyFieldNo: 0}
	cfg := NewConfig(WithPageSize(128))

	btree, err := OpenBTreeFile(filepath.Join(dir, "people.btree"), 1, desc, bp, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { btree.Close() })

	heap, err := OpenHeapFile(filepath.Join(dir, "logs.heap"), 2, desc, bp, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { heap.Close() })

	cat := NewCatalog()
	cat.AddTable("people", btree)
	cat.AddTable("logs", heap)

	id, err := cat.GetTableID("people")
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	f, err := cat.GetDbFile(id)
	require.NoError(t, err)
	assert.Same(t, btree, f)

	name, err := cat.TableName(2)
	require.NoError(t, err)
	assert.Equal(t, "logs", name)

	gotDesc, err := cat.GetTupleDesc(2)
	require.NoError(t, err)
	assert.Same(t, desc, gotDesc)
}

func TestCatalogUnknownNameErrors(t *testing.T) {
	cat := NewCatalog()
	_, err := cat.GetTableID("nope")
	require.Error(t, err)
	var dbErr DbException
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, NoSuchTupleError, dbErr.Code)
}
