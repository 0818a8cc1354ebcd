package gateway

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/pkg/models"
)

// txAPI adapts one staged Tx to the sandbox capability surface. Reads
// observe the pre-invocation base; writes stage into the Tx and become
// visible only if the whole script commits. The struct also records
// what the script staged so the gateway can apply cross-document side
// effects (index entry, global input rows) after the commit.
type txAPI struct {
	taskID  string
	tx      *document.Tx
	agentID string
	now     func() time.Time

	status    models.TaskStatus
	statusSet bool

	metaDirty bool
	requested []models.InputRequest
}

func newTxAPI(s *Server, taskID string, tx *document.Tx) *txAPI {
	return &txAPI{taskID: taskID, tx: tx, agentID: s.agentID, now: s.now}
}

// currentStatus is the task status as this script observes it: the base
// value until the script itself stages a change, then the staged one.
func (a *txAPI) currentStatus() (models.TaskStatus, error) {
	if a.statusSet {
		return a.status, nil
	}
	meta, err := document.Meta(a.tx.Base())
	if err != nil {
		return "", err
	}
	a.status = meta.Status
	a.statusSet = true
	return a.status, nil
}

func (a *txAPI) Meta() (map[string]string, error) {
	meta, err := document.Meta(a.tx.Base())
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id":      a.taskID,
		"title":   meta.Title,
		"status":  string(meta.Status),
		"owner":   meta.Owner,
		"created": fmtTime(meta.CreatedAt),
		"updated": fmtTime(meta.UpdatedAt),
	}, nil
}

func (a *txAPI) Comments() ([]map[string]string, error) {
	comments, err := document.Comments(a.tx.Base())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(comments))
	for _, c := range comments {
		out = append(out, map[string]string{
			"id":     c.ID,
			"author": c.Author,
			"body":   c.Body,
			"at":     fmtTime(c.At),
		})
	}
	return out, nil
}

func (a *txAPI) Artifacts() ([]map[string]string, error) {
	artifacts, err := document.Artifacts(a.tx.Base())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(artifacts))
	for _, art := range artifacts {
		out = append(out, map[string]string{
			"id":   art.ID,
			"uri":  art.URI,
			"kind": art.Kind,
			"by":   art.By,
			"at":   fmtTime(art.At),
		})
	}
	return out, nil
}

func (a *txAPI) Blocks() ([]map[string]string, error) {
	blocks, err := document.Blocks(a.tx.Base())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, map[string]string{
			"id":      b.ID,
			"kind":    b.Kind,
			"content": b.Content,
		})
	}
	return out, nil
}

func (a *txAPI) LinkedPRs() ([]map[string]string, error) {
	prs, err := document.LinkedPRs(a.tx.Base())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(prs))
	for _, pr := range prs {
		out = append(out, map[string]string{
			"number":           strconv.Itoa(pr.Number),
			"title":            pr.Title,
			"url":              pr.URL,
			"notify_on_review": strconv.FormatBool(pr.NotifyOnReview),
		})
	}
	return out, nil
}

func (a *txAPI) PendingInputs() ([]map[string]string, error) {
	inputs, err := document.PendingInputs(a.tx.Base())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(inputs))
	for _, r := range inputs {
		out = append(out, map[string]string{
			"id":           r.ID,
			"prompt":       r.Prompt,
			"requested_by": r.RequestedBy,
			"state":        string(r.State),
			"created":      fmtTime(r.CreatedAt),
		})
	}
	return out, nil
}

func (a *txAPI) SetTitle(title string) error {
	if title == "" {
		return fault.Validationf("title must not be empty")
	}
	a.tx.SetTitle(title)
	a.metaDirty = true
	return nil
}

// SetStatus applies the same transition graph as update_task. Scripts
// have no reopen capability; a completed task stays completed.
func (a *txAPI) SetStatus(status string) error {
	to := models.TaskStatus(status)
	if !models.ValidStatus(to) {
		return fault.Validationf("unknown status %q", status)
	}
	cur, err := a.currentStatus()
	if err != nil {
		return err
	}
	if !models.CanTransition(cur, to) {
		return fault.Validationf("illegal status transition %s -> %s", cur, to)
	}
	a.tx.SetStatus(to)
	a.status = to
	a.metaDirty = true
	return nil
}

func (a *txAPI) AddComment(author, body string) (string, error) {
	if body == "" {
		return "", fault.Validationf("comment body must not be empty")
	}
	if author == "" {
		author = a.agentID
	}
	c := models.Comment{ID: uuid.NewString(), Author: author, Body: body, At: a.now()}
	a.tx.AppendComment(c)
	return c.ID, nil
}

func (a *txAPI) AddArtifact(uri, kind string) (string, error) {
	if uri == "" {
		return "", fault.Validationf("artifact uri must not be empty")
	}
	art := models.Artifact{ID: uuid.NewString(), URI: uri, Kind: kind, By: a.agentID, At: a.now()}
	a.tx.AddArtifact(art)
	return art.ID, nil
}

func (a *txAPI) AddDeliverable(path, description string) (string, error) {
	if path == "" {
		return "", fault.Validationf("deliverable path must not be empty")
	}
	d := models.Deliverable{ID: uuid.NewString(), Path: path, Description: description, At: a.now()}
	a.tx.AddDeliverable(d)
	return d.ID, nil
}

func (a *txAPI) AddBlock(kind, content string) (string, error) {
	b := models.Block{ID: uuid.NewString(), Kind: kind, Content: content}
	a.tx.AddBlock(b)
	return b.ID, nil
}

func (a *txAPI) LinkPR(number int, title, url string) error {
	if number <= 0 {
		return fault.Validationf("PR number must be positive")
	}
	a.tx.UpsertPR(models.LinkedPR{Number: number, Title: title, URL: url})
	return nil
}

func (a *txAPI) SetBlockContent(id, content string) error {
	if id == "" {
		return fault.Validationf("block id must not be empty")
	}
	return a.tx.SetBlockContent(id, content)
}

func (a *txAPI) RequestInput(prompt string) (string, error) {
	if prompt == "" {
		return "", fault.Validationf("prompt must not be empty")
	}
	r := models.InputRequest{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		RequestedBy: a.agentID,
		State:       models.InputPending,
		CreatedAt:   a.now(),
	}
	a.tx.PutInputRequest(r)
	a.requested = append(a.requested, r)
	return r.ID, nil
}
