package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

// fakeAPI records capability calls and serves canned reads.
type fakeAPI struct {
	meta   map[string]string
	blocks []map[string]string

	titles    []string
	statuses  []string
	comments  []string
	artifacts []string
	prompts   []string
	blockSets map[string]string

	statusErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		meta:      map[string]string{"id": "task-1", "title": "fix the build", "status": "open"},
		blockSets: make(map[string]string),
	}
}

func (f *fakeAPI) Meta() (map[string]string, error)            { return f.meta, nil }
func (f *fakeAPI) Comments() ([]map[string]string, error)      { return nil, nil }
func (f *fakeAPI) Artifacts() ([]map[string]string, error)     { return nil, nil }
func (f *fakeAPI) Blocks() ([]map[string]string, error)        { return f.blocks, nil }
func (f *fakeAPI) LinkedPRs() ([]map[string]string, error)     { return nil, nil }
func (f *fakeAPI) PendingInputs() ([]map[string]string, error) { return nil, nil }

func (f *fakeAPI) SetTitle(title string) error {
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeAPI) SetStatus(status string) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeAPI) AddComment(author, body string) (string, error) {
	f.comments = append(f.comments, author+": "+body)
	return "comment-1", nil
}

func (f *fakeAPI) AddArtifact(uri, kind string) (string, error) {
	f.artifacts = append(f.artifacts, uri)
	return "artifact-1", nil
}

func (f *fakeAPI) AddDeliverable(path, description string) (string, error) {
	return "deliverable-1", nil
}

func (f *fakeAPI) AddBlock(kind, content string) (string, error) {
	f.blocks = append(f.blocks, map[string]string{"id": "block-new", "kind": kind, "content": content})
	return "block-new", nil
}

func (f *fakeAPI) LinkPR(number int, title, url string) error { return nil }

func (f *fakeAPI) SetBlockContent(id, content string) error {
	f.blockSets[id] = content
	return nil
}

func (f *fakeAPI) RequestInput(prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return "input-1", nil
}

func newRunner() *Runner {
	return New(2*time.Second, logging.Discard())
}

func TestExecuteReturnsValue(t *testing.T) {
	res, err := newRunner().Execute(context.Background(), `return 1 + 2`, newFakeAPI())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "3" {
		t.Errorf("expected value 3, got %q", res.Value)
	}
}

func TestExecuteCapturesPrint(t *testing.T) {
	res, err := newRunner().Execute(context.Background(), `
		print("hello", 42)
		print("world")
	`, newFakeAPI())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(res.Output) != 2 || res.Output[0] != "hello\t42" || res.Output[1] != "world" {
		t.Errorf("unexpected output %v", res.Output)
	}
}

func TestExecutePureLibsAvailable(t *testing.T) {
	res, err := newRunner().Execute(context.Background(), `
		local parts = {string.upper("ab"), tostring(math.floor(3.9))}
		return table.concat(parts, "-")
	`, newFakeAPI())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "AB-3" {
		t.Errorf("expected AB-3, got %q", res.Value)
	}
}

func TestExecuteEmptyScript(t *testing.T) {
	for _, script := range []string{"", "   \n\t"} {
		_, err := newRunner().Execute(context.Background(), script, newFakeAPI())
		if !fault.IsKind(err, fault.Validation) {
			t.Errorf("expected a validation fault for %q, got %v", script, err)
		}
	}
}

func TestExecuteScriptErrorIsExecutionFault(t *testing.T) {
	_, err := newRunner().Execute(context.Background(), `error("boom")`, newFakeAPI())
	if !fault.IsKind(err, fault.Execution) {
		t.Fatalf("expected an execution fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "script failed") {
		t.Errorf("expected the script failure message, got %q", err.Error())
	}
}

func TestExecuteSyntaxErrorIsExecutionFault(t *testing.T) {
	_, err := newRunner().Execute(context.Background(), `return ((`, newFakeAPI())
	if !fault.IsKind(err, fault.Execution) {
		t.Errorf("expected an execution fault, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := New(50*time.Millisecond, logging.Discard())
	start := time.Now()
	_, err := r.Execute(context.Background(), `while true do end`, newFakeAPI())
	if !fault.IsKind(err, fault.Timeout) {
		t.Fatalf("expected a timeout fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("runner took %s to abandon a spinning script", elapsed)
	}
}

func TestExecuteCapabilityFaultKindSurvives(t *testing.T) {
	api := newFakeAPI()
	api.statusErr = fault.Validationf("illegal status transition open -> completed")

	_, err := newRunner().Execute(context.Background(), `task.set_status("completed")`, api)
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected the capability's validation fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "illegal status transition") {
		t.Errorf("expected the capability message to survive, got %q", err.Error())
	}
}

func TestExecuteRethrownCapabilityErrorKeepsKind(t *testing.T) {
	api := newFakeAPI()
	api.statusErr = fault.Validationf("illegal status transition open -> completed")

	// pcall catches the capability failure; re-raising the caught value
	// itself is still that failure.
	_, err := newRunner().Execute(context.Background(), `
		local ok, e = pcall(task.set_status, "completed")
		if ok then error("capability unexpectedly succeeded") end
		error(e)
	`, api)
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected the capability's validation fault, got %v", err)
	}
}

func TestExecuteScriptErrorEchoingCapabilityTextIsExecutionFault(t *testing.T) {
	api := newFakeAPI()
	api.statusErr = fault.Validationf("illegal status transition open -> completed")

	// The script swallows the capability failure and raises its own
	// error with the same text. Attribution follows the raised value,
	// not the message, so this is the script's failure.
	_, err := newRunner().Execute(context.Background(), `
		local ok, e = pcall(task.set_status, "completed")
		if ok then error("capability unexpectedly succeeded") end
		error(tostring(e))
	`, api)
	if !fault.IsKind(err, fault.Execution) {
		t.Fatalf("expected an execution fault, got %v", err)
	}
}

func TestExecuteCapabilityErrorReadableInScript(t *testing.T) {
	api := newFakeAPI()
	api.statusErr = fault.Validationf("illegal status transition open -> completed")

	res, err := newRunner().Execute(context.Background(), `
		local ok, e = pcall(task.set_status, "completed")
		if ok then error("capability unexpectedly succeeded") end
		return tostring(e)
	`, api)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(res.Value, "illegal status transition") {
		t.Errorf("expected the capability message via tostring, got %q", res.Value)
	}
}

func TestExecuteHostEntryPointsAbsent(t *testing.T) {
	script := `
		for _, name in ipairs({"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"}) do
			if _G[name] ~= nil then error(name .. " is reachable") end
		end
		if os ~= nil then error("os is reachable") end
		if io ~= nil then error("io is reachable") end
		return "clean"
	`
	res, err := newRunner().Execute(context.Background(), script, newFakeAPI())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "clean" {
		t.Errorf("expected clean, got %q", res.Value)
	}
}

func TestExecuteReadsMeta(t *testing.T) {
	res, err := newRunner().Execute(context.Background(), `return task.read().title`, newFakeAPI())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "fix the build" {
		t.Errorf("expected the canned title, got %q", res.Value)
	}
}

func TestExecuteStagesWrites(t *testing.T) {
	api := newFakeAPI()
	res, err := newRunner().Execute(context.Background(), `
		task.set_title("renamed")
		task.add_artifact("out/report.html", "file")
		return task.add_comment("scripter", "done")
	`, api)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "comment-1" {
		t.Errorf("expected the comment ID back, got %q", res.Value)
	}
	if len(api.titles) != 1 || api.titles[0] != "renamed" {
		t.Errorf("expected one title write, got %v", api.titles)
	}
	if len(api.artifacts) != 1 || api.artifacts[0] != "out/report.html" {
		t.Errorf("expected one artifact write, got %v", api.artifacts)
	}
	if len(api.comments) != 1 || api.comments[0] != "scripter: done" {
		t.Errorf("expected one comment write, got %v", api.comments)
	}
}

func TestExecuteBlockRoundtrip(t *testing.T) {
	api := newFakeAPI()
	api.blocks = []map[string]string{
		{"id": "b1", "kind": "note", "content": "draft"},
	}

	_, err := newRunner().Execute(context.Background(), `
		local b = task.blocks()[1]
		task.update_block(b.id, b.content .. "+edit")
	`, api)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if api.blockSets["b1"] != "draft+edit" {
		t.Errorf("expected the edited content, got %v", api.blockSets)
	}
}

func TestExecuteAddBlockArgOrder(t *testing.T) {
	api := newFakeAPI()
	_, err := newRunner().Execute(context.Background(), `task.add_block("the body", "note")`, api)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(api.blocks) != 1 {
		t.Fatalf("expected one block, got %d", len(api.blocks))
	}
	b := api.blocks[0]
	if b["content"] != "the body" || b["kind"] != "note" {
		t.Errorf("expected content/kind to land in order, got %v", b)
	}
}

func TestExecuteRequestInput(t *testing.T) {
	api := newFakeAPI()
	res, err := newRunner().Execute(context.Background(), `return task.request_input("which db?")`, api)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "input-1" {
		t.Errorf("expected the request ID, got %q", res.Value)
	}
	if len(api.prompts) != 1 || api.prompts[0] != "which db?" {
		t.Errorf("expected the prompt to be recorded, got %v", api.prompts)
	}
}

func TestExecuteNoReturnValue(t *testing.T) {
	res, err := newRunner().Execute(context.Background(), `local x = 1`, newFakeAPI())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Value != "" {
		t.Errorf("expected an empty value, got %q", res.Value)
	}
}
