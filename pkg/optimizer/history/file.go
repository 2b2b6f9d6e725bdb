package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Serialize renders records as newline-separated JSON objects, sorted
// by key for stable output.
func Serialize(h History) ([]byte, error) {
	records := h.Records()
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// SaveFile writes the store's records to path in the wire format.
func SaveFile(h History, path string) error {
	data, err := Serialize(h)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UpdateFromBytes folds concatenated JSON objects into h. Duplicate
// keys are updated in place; empty input is a valid empty state.
func UpdateFromBytes(h History, data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			return fmt.Errorf("history: decode record: %w", err)
		}
		h.Update(rec)
	}
	return nil
}

// UpdateFromFile folds path's records into h. A missing file is the
// empty state.
func UpdateFromFile(h History, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return UpdateFromBytes(h, data)
}
