// Package export writes step records as JSON Lines and archives them to
// S3-compatible object storage.
package export

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/atmx/bondsim/internal/model"
)

// ContentType is the media type of a JSONL export.
const ContentType = "application/x-ndjson"

// WriteJSONL writes one JSON object per record, each followed by a newline.
func WriteJSONL(w io.Writer, records []model.StepRecord) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export: encode step %d: %w", rec.StepIndex, err)
		}
	}
	return bw.Flush()
}

// MarshalJSONL returns records as a JSONL document.
func MarshalJSONL(records []model.StepRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadJSONL decodes a JSONL document written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]model.StepRecord, error) {
	dec := json.NewDecoder(r)
	var out []model.StepRecord
	for {
		var rec model.StepRecord
		err := dec.Decode(&rec)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("export: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
}

// WriteFile writes records to path, creating parent directories as needed.
func WriteFile(path string, records []model.StepRecord) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export: create dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create file: %w", err)
	}
	if err := WriteJSONL(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ObjectKey builds the archive key for a run.
//
//	<prefix>/runs/<run id>/steps.jsonl
func ObjectKey(prefix, runID string) string {
	if prefix == "" {
		return fmt.Sprintf("runs/%s/steps.jsonl", runID)
	}
	return fmt.Sprintf("%s/runs/%s/steps.jsonl", prefix, runID)
}
