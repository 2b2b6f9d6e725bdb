package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHistoryUpdateInPlace(t *testing.T) {
	h := NewMemoryHistory()
	_, ok := h.Lookup("scan nation []")
	assert.False(t, ok)

	h.Update(Record{Key: "scan nation []", ObservedRows: 25})
	h.Update(Record{Key: "scan nation []", ObservedRows: 26, Version: 1})
	rec, ok := h.Lookup("scan nation []")
	require.True(t, ok)
	assert.Equal(t, int64(26), rec.ObservedRows)
	assert.Equal(t, 1, rec.Version)
	assert.Len(t, h.Records(), 1)
}

func TestWireFormatRoundTrip(t *testing.T) {
	h := NewMemoryHistory()
	h.Update(Record{Key: "a", ObservedRows: 10, ObservedBytes: 100, PredictedRows: 9.5, PredictedBytes: 90.5, Version: 2})
	h.Update(Record{Key: "b", ObservedRows: 3})

	data, err := Serialize(h)
	require.NoError(t, err)
	assert.Equal(t,
		`{"key":"a","observed_rows":10,"observed_bytes":100,"predicted_rows":9.5,"predicted_bytes":90.5,"version":2}
{"key":"b","observed_rows":3,"observed_bytes":0,"predicted_rows":0,"predicted_bytes":0,"version":0}
`, string(data))

	loaded := NewMemoryHistory()
	require.NoError(t, UpdateFromBytes(loaded, data))
	rec, ok := loaded.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int64(100), rec.ObservedBytes)
	assert.Equal(t, 9.5, rec.PredictedRows)
}

func TestUpdateFromBytesDuplicates(t *testing.T) {
	h := NewMemoryHistory()
	data := []byte(`{"key":"k","observed_rows":1,"observed_bytes":0,"predicted_rows":0,"predicted_bytes":0,"version":0}
{"key":"k","observed_rows":5,"observed_bytes":0,"predicted_rows":0,"predicted_bytes":0,"version":1}
`)
	require.NoError(t, UpdateFromBytes(h, data))
	rec, ok := h.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.ObservedRows)
}

func TestSaveAndUpdateFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")

	h := NewMemoryHistory()
	h.Update(Record{Key: "x", ObservedRows: 42})
	require.NoError(t, SaveFile(h, path))

	loaded := NewMemoryHistory()
	require.NoError(t, UpdateFromFile(loaded, path))
	rec, ok := loaded.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, int64(42), rec.ObservedRows)

	// A missing file is the valid empty state.
	require.NoError(t, UpdateFromFile(loaded, filepath.Join(dir, "absent.jsonl")))
}

func TestLeafSelectivity(t *testing.T) {
	h := NewMemoryHistory()
	h.Update(Record{Key: "scan orders [gt(o_totalprice, 100)]", ObservedRows: 150})
	sel, ok := LeafSelectivity(h, "scan orders [gt(o_totalprice, 100)]", 1500)
	require.True(t, ok)
	assert.InDelta(t, 0.1, sel, 1e-9)
	_, ok = LeafSelectivity(h, "unknown", 1500)
	assert.False(t, ok)
}

func TestRecordExecution(t *testing.T) {
	h := NewMemoryHistory()
	keys := map[string]string{"0": "scan nation []", "1": "filter over scan"}
	predictions := map[string]NodePrediction{"0": {Cardinality: 25}}
	stats := map[string]NodeStats{"0": {OutputRows: 25, OutputBytes: 1000}}
	RecordExecution(h, keys, predictions, stats)

	rec, ok := h.Lookup("scan nation []")
	require.True(t, ok)
	assert.Equal(t, int64(25), rec.ObservedRows)
	assert.Equal(t, 25.0, rec.PredictedRows)
	// Node 1 had no stats; nothing recorded.
	_, ok = h.Lookup("filter over scan")
	assert.False(t, ok)

	// A second execution bumps the version.
	RecordExecution(h, keys, predictions, stats)
	rec, _ = h.Lookup("scan nation []")
	assert.Equal(t, 1, rec.Version)
}

func TestBadgerHistory(t *testing.T) {
	store, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	store.Update(Record{Key: "scan part []", ObservedRows: 200_000})
	rec, ok := store.Lookup("scan part []")
	require.True(t, ok)
	assert.Equal(t, int64(200_000), rec.ObservedRows)

	store.Update(Record{Key: "scan part []", ObservedRows: 199_999, Version: 1})
	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(199_999), records[0].ObservedRows)
}
