package cache

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeSummary counts characters inserted and deleted between two payloads.
type ChangeSummary struct {
	Inserted int `json:"inserted"`
	Deleted  int `json:"deleted"`
}

func summarizeChange(prev, next []byte) (ChangeSummary, bool) {
	if len(prev) == 0 || bytes.Equal(prev, next) {
		return ChangeSummary{}, false
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = time.Second
	diffs := dmp.DiffMain(string(prev), string(next), false)

	var s ChangeSummary
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s.Inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			s.Deleted += len(d.Text)
		}
	}
	return s, true
}

func compact(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
