package document

import (
	"strconv"
	"time"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/pkg/models"
)

// Tx stages mutations against a document replica. Writes accumulate in a
// delta and never touch the base state; the sync engine merges the delta
// in one step on commit and discards it on failure, so a failed tool call
// or script leaves no partial writes behind. Reads inside a Tx observe the
// base as it was when the Tx began.
//
// Each helper corresponds to exactly one document operation, so callers
// never hand-roll container writes.
type Tx struct {
	base  *crdt.State
	delta *crdt.State
	clock *crdt.Clock
}

// NewTx begins a staged mutation against base, stamping writes from clock.
// The caller must hold the replica's lock for the lifetime of the Tx.
func NewTx(base *crdt.State, clock *crdt.Clock) *Tx {
	return &Tx{base: base, delta: crdt.NewState(), clock: clock}
}

// Delta returns the staged writes. Merging it into the base commits the
// Tx; dropping it discards the Tx.
func (tx *Tx) Delta() *crdt.State { return tx.delta }

// Empty reports whether the Tx has staged no writes.
func (tx *Tx) Empty() bool { return tx.delta.IsEmpty() }

// Base returns the pre-invocation state the Tx reads against.
func (tx *Tx) Base() *crdt.State { return tx.base }

func (tx *Tx) stamp() crdt.Stamp { return tx.clock.Tick() }

func (tx *Tx) setMeta(field string, v any) {
	tx.delta.Map(mapMeta).Set(field, jsonValue(v), tx.stamp())
}

// InitMeta writes the full metadata header of a newly created task.
func (tx *Tx) InitMeta(meta models.TaskMeta) {
	tx.setMeta("title", meta.Title)
	tx.setMeta("status", meta.Status)
	if meta.Owner != "" {
		tx.setMeta("owner", meta.Owner)
	}
	tx.setMeta("created_at", meta.CreatedAt)
	tx.setMeta("updated_at", meta.UpdatedAt)
}

// SetTitle stages a title change.
func (tx *Tx) SetTitle(title string) { tx.setMeta("title", title) }

// SetStatus stages a status change. Transition legality is the gateway's
// precondition, not enforced here; at the document layer any status write
// merges last-writer-wins.
func (tx *Tx) SetStatus(status models.TaskStatus) { tx.setMeta("status", status) }

// SetOwner stages an owner change.
func (tx *Tx) SetOwner(owner string) { tx.setMeta("owner", owner) }

// Touch stages an updated_at bump.
func (tx *Tx) Touch(at time.Time) { tx.setMeta("updated_at", at) }

// AppendComment stages an immutable comment log entry.
func (tx *Tx) AppendComment(c models.Comment) {
	tx.delta.Log(logComments).Append(crdt.LogEntry{
		ID:      c.ID,
		Stamp:   tx.stamp(),
		Payload: jsonValue(c),
	})
}

// AppendEvent stages an immutable event log entry.
func (tx *Tx) AppendEvent(e models.Event) {
	tx.delta.Log(logEvents).Append(crdt.LogEntry{
		ID:      e.ID,
		Stamp:   tx.stamp(),
		Payload: jsonValue(e),
	})
}

// appendElem stages a new list element at the end of the named list,
// taking staged appends from this same Tx into account so consecutive
// appends keep their submission order.
func (tx *Tx) appendElem(name, id string) *crdt.ListElem {
	if e, ok := tx.delta.Lists[name].Get(id); ok {
		return e
	}
	var left crdt.Position
	if last := tx.base.Lists[name].Last(); last != nil {
		left = last.Pos
	}
	if last := tx.delta.Lists[name].Last(); last != nil && last.Pos.Compare(left) > 0 {
		left = last.Pos
	}
	return tx.delta.List(name).Insert(id, crdt.Between(left, nil, tx.clock.Replica()))
}

// findElem resolves a list element by ID across the base and this Tx's
// staged inserts.
func (tx *Tx) findElem(name, id string) (*crdt.ListElem, bool) {
	if e, ok := tx.delta.Lists[name].Get(id); ok {
		return e, true
	}
	if e, ok := tx.base.Lists[name].Get(id); ok {
		return e, true
	}
	return nil, false
}

// AddArtifact stages an artifact append.
func (tx *Tx) AddArtifact(a models.Artifact) {
	e := tx.appendElem(listArtifacts, a.ID)
	e.Cells.Set("uri", jsonValue(a.URI), tx.stamp())
	if a.Kind != "" {
		e.Cells.Set("kind", jsonValue(a.Kind), tx.stamp())
	}
	if len(a.Meta) > 0 {
		e.Cells.Set("meta", jsonValue(a.Meta), tx.stamp())
	}
	if a.By != "" {
		e.Cells.Set("by", jsonValue(a.By), tx.stamp())
	}
	e.Cells.Set("at", jsonValue(a.At), tx.stamp())
}

// AddDeliverable stages a deliverable append.
func (tx *Tx) AddDeliverable(d models.Deliverable) {
	e := tx.appendElem(listDeliverables, d.ID)
	e.Cells.Set("path", jsonValue(d.Path), tx.stamp())
	if d.Kind != "" {
		e.Cells.Set("kind", jsonValue(d.Kind), tx.stamp())
	}
	if d.Description != "" {
		e.Cells.Set("description", jsonValue(d.Description), tx.stamp())
	}
	e.Cells.Set("at", jsonValue(d.At), tx.stamp())
}

// AddBlock stages a content block append.
func (tx *Tx) AddBlock(b models.Block) {
	e := tx.appendElem(listBlocks, b.ID)
	if b.Kind != "" {
		e.Cells.Set("kind", jsonValue(b.Kind), tx.stamp())
	}
	e.Cells.Set("content", jsonValue(b.Content), tx.stamp())
}

// SetBlockContent stages a content rewrite of an existing block. The
// staged element carries the block's original position so a replica that
// missed the insert still files it in the right place.
func (tx *Tx) SetBlockContent(id, content string) error {
	existing, ok := tx.findElem(listBlocks, id)
	if !ok {
		return fault.NotFoundf("block %s not found", id)
	}
	e := tx.delta.List(listBlocks).Insert(id, existing.Pos)
	e.Cells.Set("content", jsonValue(content), tx.stamp())
	return nil
}

func prKey(number int) string { return strconv.Itoa(number) }

// UpsertPR stages a pull-request link. Re-linking the same number updates
// the existing row instead of adding a second entry.
func (tx *Tx) UpsertPR(pr models.LinkedPR) {
	row := tx.delta.Table(tablePRs).Upsert(prKey(pr.Number))
	row.Set("number", jsonValue(pr.Number), tx.stamp())
	if pr.Title != "" {
		row.Set("title", jsonValue(pr.Title), tx.stamp())
	}
	if pr.URL != "" {
		row.Set("url", jsonValue(pr.URL), tx.stamp())
	}
}

// SetPRNotify stages the review-notification flag on an existing PR link.
func (tx *Tx) SetPRNotify(number int, notify bool) error {
	key := prKey(number)
	if _, ok := tx.delta.Tables[tablePRs].Row(key); !ok {
		if _, ok := tx.base.Tables[tablePRs].Row(key); !ok {
			return fault.NotFoundf("no linked PR #%d", number)
		}
	}
	row := tx.delta.Table(tablePRs).Upsert(key)
	row.Set("number", jsonValue(number), tx.stamp())
	row.Set("notify_on_review", jsonValue(notify), tx.stamp())
	return nil
}

// PutInputRequest stages a new pending input request.
func (tx *Tx) PutInputRequest(r models.InputRequest) {
	row := tx.delta.Table(tableInputs).Upsert(r.ID)
	row.Set("prompt", jsonValue(r.Prompt), tx.stamp())
	row.Set("requested_by", jsonValue(r.RequestedBy), tx.stamp())
	row.Set("state", jsonValue(r.State), tx.stamp())
	row.Set("created_at", jsonValue(r.CreatedAt), tx.stamp())
}

// ResolveInput stages the answer or cancellation of an input request.
// Rows are never removed; the state cell leaving "pending" is what takes
// the request off every replica's pending list.
func (tx *Tx) ResolveInput(id string, state models.InputState, response string, at time.Time) error {
	if _, ok := tx.delta.Tables[tableInputs].Row(id); !ok {
		if _, ok := tx.base.Tables[tableInputs].Row(id); !ok {
			return fault.NotFoundf("input request %s not found", id)
		}
	}
	row := tx.delta.Table(tableInputs).Upsert(id)
	row.Set("state", jsonValue(state), tx.stamp())
	if response != "" {
		row.Set("response", jsonValue(response), tx.stamp())
	}
	row.Set("resolved_at", jsonValue(at), tx.stamp())
	return nil
}

// PutReviewComment stages one cached PR review comment, upserting by
// comment ID so refreshes converge instead of duplicating.
func (tx *Tx) PutReviewComment(rc models.ReviewComment) {
	row := tx.delta.Table(tableReviews).Upsert(rc.ID)
	row.Set("pr_number", jsonValue(rc.PRNumber), tx.stamp())
	row.Set("author", jsonValue(rc.Author), tx.stamp())
	row.Set("body", jsonValue(rc.Body), tx.stamp())
	if rc.Path != "" {
		row.Set("path", jsonValue(rc.Path), tx.stamp())
	}
	if rc.Line != 0 {
		row.Set("line", jsonValue(rc.Line), tx.stamp())
	}
	row.Set("updated_at", jsonValue(rc.UpdatedAt), tx.stamp())
}

// PutDiffComment stages one local diff comment, upserting by comment ID.
func (tx *Tx) PutDiffComment(dc models.DiffComment) {
	row := tx.delta.Table(tableDiffs).Upsert(dc.ID)
	row.Set("path", jsonValue(dc.Path), tx.stamp())
	row.Set("line", jsonValue(dc.Line), tx.stamp())
	row.Set("author", jsonValue(dc.Author), tx.stamp())
	row.Set("body", jsonValue(dc.Body), tx.stamp())
	row.Set("updated_at", jsonValue(dc.UpdatedAt), tx.stamp())
}

// PutIndexEntry stages a task's summary row in the index document.
func (tx *Tx) PutIndexEntry(e models.TaskIndexEntry) {
	row := tx.delta.Table(idxTasks).Upsert(e.TaskID)
	row.Set("title", jsonValue(e.Title), tx.stamp())
	row.Set("status", jsonValue(e.Status), tx.stamp())
	if e.Owner != "" {
		row.Set("owner", jsonValue(e.Owner), tx.stamp())
	}
	row.Set("updated_at", jsonValue(e.UpdatedAt), tx.stamp())
}

// PutGlobalInput stages the index-level aggregation of an input request.
func (tx *Tx) PutGlobalInput(r models.GlobalInputRequest) {
	row := tx.delta.Table(idxInputs).Upsert(r.ID)
	row.Set("task_id", jsonValue(r.TaskID), tx.stamp())
	row.Set("prompt", jsonValue(r.Prompt), tx.stamp())
	row.Set("state", jsonValue(r.State), tx.stamp())
	row.Set("created_at", jsonValue(r.CreatedAt), tx.stamp())
}

// SetGlobalInputState stages a state change on an index-level input
// request row.
func (tx *Tx) SetGlobalInputState(id string, state models.InputState) {
	tx.delta.Table(idxInputs).Upsert(id).Set("state", jsonValue(state), tx.stamp())
}

// TouchAgent stages an agent-registry row refresh.
func (tx *Tx) TouchAgent(a models.AgentInfo) {
	row := tx.delta.Table(idxAgents).Upsert(a.ID)
	if a.Name != "" {
		row.Set("name", jsonValue(a.Name), tx.stamp())
	}
	row.Set("last_seen", jsonValue(a.LastSeen), tx.stamp())
}
