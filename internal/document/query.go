package document

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/taskweave/taskweave/internal/crdt"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/pkg/models"
)

// Queries are pure reads over a replica state. They validate shape as they
// decode and surface malformed or incomplete records as schema violations
// instead of returning half-filled structs.

// Exists reports whether a state carries a task document at all: a
// document with no metadata header was never created, only opened blank.
func Exists(s *crdt.State) bool {
	return s.Maps[mapMeta].Len() != 0
}

// Meta decodes and validates the metadata header of a task document.
func Meta(s *crdt.State) (models.TaskMeta, error) {
	row := s.Maps[mapMeta]
	if row.Len() == 0 {
		return models.TaskMeta{}, fault.Schemaf("document has no metadata")
	}
	title, err := requiredCell[string](row, "title", "task meta")
	if err != nil {
		return models.TaskMeta{}, err
	}
	status, err := requiredCell[models.TaskStatus](row, "status", "task meta")
	if err != nil {
		return models.TaskMeta{}, err
	}
	if !models.ValidStatus(status) {
		return models.TaskMeta{}, fault.Schemaf("unknown status %q", status)
	}
	owner, err := optionalCell[string](row, "owner")
	if err != nil {
		return models.TaskMeta{}, err
	}
	createdAt, err := optionalCell[time.Time](row, "created_at")
	if err != nil {
		return models.TaskMeta{}, err
	}
	updatedAt, err := optionalCell[time.Time](row, "updated_at")
	if err != nil {
		return models.TaskMeta{}, err
	}
	return models.TaskMeta{
		Title:     title,
		Status:    status,
		Owner:     owner,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// Comments returns the comment log in converged order.
func Comments(s *crdt.State) ([]models.Comment, error) {
	entries := s.Logs[logComments].Ordered()
	out := make([]models.Comment, 0, len(entries))
	for _, e := range entries {
		var c models.Comment
		if err := json.Unmarshal(e.Payload, &c); err != nil {
			return nil, fault.Schemaf("malformed comment %s: %v", e.ID, err)
		}
		if c.ID == "" {
			c.ID = e.ID
		}
		out = append(out, c)
	}
	return out, nil
}

// Events returns the event log in converged order.
func Events(s *crdt.State) ([]models.Event, error) {
	entries := s.Logs[logEvents].Ordered()
	out := make([]models.Event, 0, len(entries))
	for _, e := range entries {
		var ev models.Event
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return nil, fault.Schemaf("malformed event %s: %v", e.ID, err)
		}
		if ev.ID == "" {
			ev.ID = e.ID
		}
		out = append(out, ev)
	}
	return out, nil
}

// Artifacts returns the artifact list in converged order.
func Artifacts(s *crdt.State) ([]models.Artifact, error) {
	elems := s.Lists[listArtifacts].Ordered()
	out := make([]models.Artifact, 0, len(elems))
	for _, e := range elems {
		uri, err := requiredCell[string](e.Cells, "uri", "artifact "+e.ID)
		if err != nil {
			return nil, err
		}
		kind, err := optionalCell[string](e.Cells, "kind")
		if err != nil {
			return nil, err
		}
		meta, err := optionalCell[map[string]string](e.Cells, "meta")
		if err != nil {
			return nil, err
		}
		by, err := optionalCell[string](e.Cells, "by")
		if err != nil {
			return nil, err
		}
		at, err := optionalCell[time.Time](e.Cells, "at")
		if err != nil {
			return nil, err
		}
		out = append(out, models.Artifact{ID: e.ID, URI: uri, Kind: kind, Meta: meta, By: by, At: at})
	}
	return out, nil
}

// Deliverables returns the deliverable list in converged order.
func Deliverables(s *crdt.State) ([]models.Deliverable, error) {
	elems := s.Lists[listDeliverables].Ordered()
	out := make([]models.Deliverable, 0, len(elems))
	for _, e := range elems {
		path, err := requiredCell[string](e.Cells, "path", "deliverable "+e.ID)
		if err != nil {
			return nil, err
		}
		kind, err := optionalCell[string](e.Cells, "kind")
		if err != nil {
			return nil, err
		}
		desc, err := optionalCell[string](e.Cells, "description")
		if err != nil {
			return nil, err
		}
		at, err := optionalCell[time.Time](e.Cells, "at")
		if err != nil {
			return nil, err
		}
		out = append(out, models.Deliverable{ID: e.ID, Path: path, Kind: kind, Description: desc, At: at})
	}
	return out, nil
}

// Blocks returns the content blocks in converged order. Content is
// independently updatable, so an element whose content cell has not
// arrived yet reads as empty rather than invalid.
func Blocks(s *crdt.State) ([]models.Block, error) {
	elems := s.Lists[listBlocks].Ordered()
	out := make([]models.Block, 0, len(elems))
	for _, e := range elems {
		kind, err := optionalCell[string](e.Cells, "kind")
		if err != nil {
			return nil, err
		}
		content, err := optionalCell[string](e.Cells, "content")
		if err != nil {
			return nil, err
		}
		out = append(out, models.Block{ID: e.ID, Kind: kind, Content: content})
	}
	return out, nil
}

// Block returns a single content block by ID.
func Block(s *crdt.State, id string) (models.Block, error) {
	e, ok := s.Lists[listBlocks].Get(id)
	if !ok {
		return models.Block{}, fault.NotFoundf("block %s not found", id)
	}
	kind, err := optionalCell[string](e.Cells, "kind")
	if err != nil {
		return models.Block{}, err
	}
	content, err := optionalCell[string](e.Cells, "content")
	if err != nil {
		return models.Block{}, err
	}
	return models.Block{ID: id, Kind: kind, Content: content}, nil
}

// LinkedPRs returns the linked pull requests sorted by number.
func LinkedPRs(s *crdt.State) ([]models.LinkedPR, error) {
	table := s.Tables[tablePRs]
	out := make([]models.LinkedPR, 0, table.Len())
	for _, key := range table.Keys() {
		row, _ := table.Row(key)
		number, ok, err := cellValue[int](row, "number")
		if err != nil {
			return nil, err
		}
		if !ok {
			number, err = strconv.Atoi(key)
			if err != nil {
				return nil, fault.Schemaf("PR row key %q is not a number", key)
			}
		}
		title, err := optionalCell[string](row, "title")
		if err != nil {
			return nil, err
		}
		url, err := optionalCell[string](row, "url")
		if err != nil {
			return nil, err
		}
		notify, err := optionalCell[bool](row, "notify_on_review")
		if err != nil {
			return nil, err
		}
		out = append(out, models.LinkedPR{Number: number, Title: title, URL: url, NotifyOnReview: notify})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// LinkedPR returns one linked pull request by number.
func LinkedPR(s *crdt.State, number int) (models.LinkedPR, error) {
	row, ok := s.Tables[tablePRs].Row(prKey(number))
	if !ok {
		return models.LinkedPR{}, fault.NotFoundf("no linked PR #%d", number)
	}
	title, err := optionalCell[string](row, "title")
	if err != nil {
		return models.LinkedPR{}, err
	}
	url, err := optionalCell[string](row, "url")
	if err != nil {
		return models.LinkedPR{}, err
	}
	notify, err := optionalCell[bool](row, "notify_on_review")
	if err != nil {
		return models.LinkedPR{}, err
	}
	return models.LinkedPR{Number: number, Title: title, URL: url, NotifyOnReview: notify}, nil
}

func decodeInput(id string, row *crdt.Map) (models.InputRequest, error) {
	prompt, err := requiredCell[string](row, "prompt", "input request "+id)
	if err != nil {
		return models.InputRequest{}, err
	}
	state, err := requiredCell[models.InputState](row, "state", "input request "+id)
	if err != nil {
		return models.InputRequest{}, err
	}
	if !models.ValidInputState(state) {
		return models.InputRequest{}, fault.Schemaf("input request %s has unknown state %q", id, state)
	}
	requestedBy, err := optionalCell[string](row, "requested_by")
	if err != nil {
		return models.InputRequest{}, err
	}
	response, err := optionalCell[string](row, "response")
	if err != nil {
		return models.InputRequest{}, err
	}
	createdAt, err := optionalCell[time.Time](row, "created_at")
	if err != nil {
		return models.InputRequest{}, err
	}
	resolvedAt, err := optionalCell[time.Time](row, "resolved_at")
	if err != nil {
		return models.InputRequest{}, err
	}
	return models.InputRequest{
		ID:          id,
		Prompt:      prompt,
		RequestedBy: requestedBy,
		State:       state,
		Response:    response,
		CreatedAt:   createdAt,
		ResolvedAt:  resolvedAt,
	}, nil
}

// InputRequests returns every input request, oldest first.
func InputRequests(s *crdt.State) ([]models.InputRequest, error) {
	table := s.Tables[tableInputs]
	out := make([]models.InputRequest, 0, table.Len())
	for _, id := range table.Keys() {
		row, _ := table.Row(id)
		r, err := decodeInput(id, row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// InputRequest returns one input request by ID.
func InputRequest(s *crdt.State, id string) (models.InputRequest, error) {
	row, ok := s.Tables[tableInputs].Row(id)
	if !ok {
		return models.InputRequest{}, fault.NotFoundf("input request %s not found", id)
	}
	return decodeInput(id, row)
}

// PendingInputs returns input requests still waiting for an answer.
func PendingInputs(s *crdt.State) ([]models.InputRequest, error) {
	all, err := InputRequests(s)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, r := range all {
		if r.State == models.InputPending {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReviewComments returns the cached PR review comments sorted by PR
// number, then ID.
func ReviewComments(s *crdt.State) ([]models.ReviewComment, error) {
	table := s.Tables[tableReviews]
	out := make([]models.ReviewComment, 0, table.Len())
	for _, id := range table.Keys() {
		row, _ := table.Row(id)
		pr, err := optionalCell[int](row, "pr_number")
		if err != nil {
			return nil, err
		}
		author, err := optionalCell[string](row, "author")
		if err != nil {
			return nil, err
		}
		body, err := optionalCell[string](row, "body")
		if err != nil {
			return nil, err
		}
		path, err := optionalCell[string](row, "path")
		if err != nil {
			return nil, err
		}
		line, err := optionalCell[int](row, "line")
		if err != nil {
			return nil, err
		}
		updatedAt, err := optionalCell[time.Time](row, "updated_at")
		if err != nil {
			return nil, err
		}
		out = append(out, models.ReviewComment{
			ID: id, PRNumber: pr, Author: author, Body: body,
			Path: path, Line: line, UpdatedAt: updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PRNumber != out[j].PRNumber {
			return out[i].PRNumber < out[j].PRNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DiffComments returns the local diff comments sorted by path, line, ID.
func DiffComments(s *crdt.State) ([]models.DiffComment, error) {
	table := s.Tables[tableDiffs]
	out := make([]models.DiffComment, 0, table.Len())
	for _, id := range table.Keys() {
		row, _ := table.Row(id)
		path, err := optionalCell[string](row, "path")
		if err != nil {
			return nil, err
		}
		line, err := optionalCell[int](row, "line")
		if err != nil {
			return nil, err
		}
		author, err := optionalCell[string](row, "author")
		if err != nil {
			return nil, err
		}
		body, err := optionalCell[string](row, "body")
		if err != nil {
			return nil, err
		}
		updatedAt, err := optionalCell[time.Time](row, "updated_at")
		if err != nil {
			return nil, err
		}
		out = append(out, models.DiffComment{
			ID: id, Path: path, Line: line, Author: author, Body: body, UpdatedAt: updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ReadTask assembles the full typed view of a task document, validating
// shape along the way.
func ReadTask(id string, s *crdt.State) (models.Task, error) {
	meta, err := Meta(s)
	if err != nil {
		return models.Task{}, err
	}
	blocks, err := Blocks(s)
	if err != nil {
		return models.Task{}, err
	}
	comments, err := Comments(s)
	if err != nil {
		return models.Task{}, err
	}
	events, err := Events(s)
	if err != nil {
		return models.Task{}, err
	}
	artifacts, err := Artifacts(s)
	if err != nil {
		return models.Task{}, err
	}
	deliverables, err := Deliverables(s)
	if err != nil {
		return models.Task{}, err
	}
	prs, err := LinkedPRs(s)
	if err != nil {
		return models.Task{}, err
	}
	inputs, err := InputRequests(s)
	if err != nil {
		return models.Task{}, err
	}
	return models.Task{
		ID:            id,
		Meta:          meta,
		Blocks:        blocks,
		Comments:      comments,
		Events:        events,
		Artifacts:     artifacts,
		Deliverables:  deliverables,
		LinkedPRs:     prs,
		InputRequests: inputs,
	}, nil
}

// ValidateTask checks a task document's structural shape without keeping
// the decoded view.
func ValidateTask(s *crdt.State) error {
	_, err := ReadTask("", s)
	return err
}

// ValidateIndex checks the index document's structural shape.
func ValidateIndex(s *crdt.State) error {
	if _, err := IndexEntries(s); err != nil {
		return err
	}
	if _, err := PendingGlobalInputs(s); err != nil {
		return err
	}
	_, err := Agents(s)
	return err
}

// IndexEntries returns the index's per-task summary rows sorted by task
// ID.
func IndexEntries(s *crdt.State) ([]models.TaskIndexEntry, error) {
	table := s.Tables[idxTasks]
	out := make([]models.TaskIndexEntry, 0, table.Len())
	for _, taskID := range table.Keys() {
		row, _ := table.Row(taskID)
		title, err := requiredCell[string](row, "title", "index entry "+taskID)
		if err != nil {
			return nil, err
		}
		status, err := requiredCell[models.TaskStatus](row, "status", "index entry "+taskID)
		if err != nil {
			return nil, err
		}
		owner, err := optionalCell[string](row, "owner")
		if err != nil {
			return nil, err
		}
		updatedAt, err := optionalCell[time.Time](row, "updated_at")
		if err != nil {
			return nil, err
		}
		out = append(out, models.TaskIndexEntry{
			TaskID: taskID, Title: title, Status: status, Owner: owner, UpdatedAt: updatedAt,
		})
	}
	return out, nil
}

// IndexEntry returns one task's summary row.
func IndexEntry(s *crdt.State, taskID string) (models.TaskIndexEntry, bool) {
	entries, err := IndexEntries(s)
	if err != nil {
		return models.TaskIndexEntry{}, false
	}
	for _, e := range entries {
		if e.TaskID == taskID {
			return e, true
		}
	}
	return models.TaskIndexEntry{}, false
}

// PendingGlobalInputs returns the index-level input requests still
// pending, oldest first.
func PendingGlobalInputs(s *crdt.State) ([]models.GlobalInputRequest, error) {
	table := s.Tables[idxInputs]
	out := make([]models.GlobalInputRequest, 0, table.Len())
	for _, id := range table.Keys() {
		row, _ := table.Row(id)
		state, err := requiredCell[models.InputState](row, "state", "global input "+id)
		if err != nil {
			return nil, err
		}
		if state != models.InputPending {
			continue
		}
		taskID, err := requiredCell[string](row, "task_id", "global input "+id)
		if err != nil {
			return nil, err
		}
		prompt, err := optionalCell[string](row, "prompt")
		if err != nil {
			return nil, err
		}
		createdAt, err := optionalCell[time.Time](row, "created_at")
		if err != nil {
			return nil, err
		}
		out = append(out, models.GlobalInputRequest{
			ID: id, TaskID: taskID, Prompt: prompt, State: state, CreatedAt: createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Agents returns the known-agent registry sorted by agent ID.
func Agents(s *crdt.State) ([]models.AgentInfo, error) {
	table := s.Tables[idxAgents]
	out := make([]models.AgentInfo, 0, table.Len())
	for _, id := range table.Keys() {
		row, _ := table.Row(id)
		name, err := optionalCell[string](row, "name")
		if err != nil {
			return nil, err
		}
		lastSeen, err := optionalCell[time.Time](row, "last_seen")
		if err != nil {
			return nil, err
		}
		out = append(out, models.AgentInfo{ID: id, Name: name, LastSeen: lastSeen})
	}
	return out, nil
}
