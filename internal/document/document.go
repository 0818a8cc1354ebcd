// Package document defines the schema of task documents and the shared
// task index over the raw CRDT containers: which containers exist, what
// their cells hold, and how typed records map onto them. Mutations go
// through a Tx that stages writes as a delta; queries are pure reads over
// a state and never mutate it. The package owns only the shape contract;
// replica instances belong to the sync engine.
package document

import (
	"encoding/json"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/fault"
)

// Container names inside a task document.
const (
	mapMeta          = "meta"
	logComments      = "comments"
	logEvents        = "events"
	listArtifacts    = "artifacts"
	listDeliverables = "deliverables"
	listBlocks       = "blocks"
	tablePRs         = "prs"
	tableInputs      = "inputs"
	tableReviews     = "review_comments"
	tableDiffs       = "diff_comments"
)

// Container names inside the index document.
const (
	idxTasks  = "tasks"
	idxInputs = "inputs"
	idxAgents = "agents"
)

// jsonValue marshals a cell value. All cell values are strings, numbers,
// bools, times, or string maps, none of which can fail to marshal.
func jsonValue(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// cellValue decodes one cell of a row into a typed value. The second
// return reports whether the cell has ever been written.
func cellValue[T any](row *crdt.Map, field string) (T, bool, error) {
	var v T
	raw, ok := row.Get(field)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fault.Schemaf("malformed cell %q: %v", field, err)
	}
	return v, true, nil
}

// requiredCell decodes a cell that every writer sets when it creates the
// record, reporting a schema violation when it is absent.
func requiredCell[T any](row *crdt.Map, field, what string) (T, error) {
	v, ok, err := cellValue[T](row, field)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fault.Schemaf("%s missing required field %q", what, field)
	}
	return v, nil
}

// optionalCell decodes a cell that has its own update operation or is
// genuinely optional, so absence just means the zero value.
func optionalCell[T any](row *crdt.Map, field string) (T, error) {
	v, _, err := cellValue[T](row, field)
	return v, err
}
