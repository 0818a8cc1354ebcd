// Package sandbox executes agent-submitted Lua scripts inside an
// interpreter with no ambient host access. A script sees exactly two
// things: the base/table/string/math libraries and a `task` table bound
// to the curated DocumentAPI for one task. Filesystem, network, process,
// and code-loading entry points do not exist inside the state.
//
// The runner never commits anything itself. Capability writes land in
// whatever staging the DocumentAPI implementation wraps, so the caller
// decides atomically on commit or discard when Execute returns.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

// DocumentAPI is the capability surface exposed to a script. Reads
// observe the pre-invocation snapshot; writes are staged by the caller
// and commit only when the whole script succeeds.
type DocumentAPI interface {
	Meta() (map[string]string, error)
	Comments() ([]map[string]string, error)
	Artifacts() ([]map[string]string, error)
	Blocks() ([]map[string]string, error)
	LinkedPRs() ([]map[string]string, error)
	PendingInputs() ([]map[string]string, error)

	SetTitle(title string) error
	SetStatus(status string) error
	AddComment(author, body string) (string, error)
	AddArtifact(uri, kind string) (string, error)
	AddDeliverable(path, description string) (string, error)
	AddBlock(kind, content string) (string, error)
	LinkPR(number int, title, url string) error
	SetBlockContent(id, content string) error
	RequestInput(prompt string) (string, error)
}

// Result carries what a completed script produced.
type Result struct {
	// Value is the script's first return value, stringified, or empty.
	Value string
	// Output holds the lines the script printed.
	Output []string
}

// Runner executes scripts under a hard time bound.
type Runner struct {
	timeout time.Duration
	log     *logging.Logger
}

// New creates a runner. A non-positive timeout falls back to 3s.
func New(timeout time.Duration, log *logging.Logger) *Runner {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Runner{timeout: timeout, log: log.WithComponent("sandbox")}
}

// invocation tracks one Execute call: the capability surface plus the
// output the script printed.
type invocation struct {
	api DocumentAPI
	out []string
}

// Execute runs script against api and returns its result. A script
// error surfaces as an execution fault, an exceeded time bound as a
// timeout fault, and a failed capability call keeps its own fault kind.
func (r *Runner) Execute(ctx context.Context, script string, api DocumentAPI) (Result, error) {
	if strings.TrimSpace(script) == "" {
		return Result{}, fault.Validationf("empty script")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	inv := &invocation{api: api}
	L.SetGlobal("task", bindAPI(L, inv))
	L.SetGlobal("print", L.NewFunction(inv.capturePrint))

	start := time.Now()
	err := L.DoString(script)
	r.log.DebugEvent().Dur("elapsed", time.Since(start)).Bool("ok", err == nil).Msg("script finished")

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fault.Timeoutf("script exceeded %s", r.timeout)
		}
		if capErr := raisedCapabilityError(err); capErr != nil {
			return Result{}, capErr
		}
		return Result{}, fault.Executionf("script failed: %v", err)
	}

	res := Result{Output: inv.out}
	if L.GetTop() >= 1 {
		if v := L.Get(1); v != lua.LNil {
			res.Value = v.String()
		}
	}
	return res, nil
}

// openSafeLibs loads the pure-computation libraries and strips the
// code-loading entry points the base library leaves behind.
func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (inv *invocation) capturePrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.Get(i).String())
	}
	inv.out = append(inv.out, strings.Join(parts, "\t"))
	return 0
}

// fail aborts the script with err carried inside the raised value, so
// the caller recovers the capability fault by identity. A script can
// pcall the failure and re-raise the caught value, which keeps the
// fault's kind; raising a new string with the same text does not.
func (inv *invocation) fail(L *lua.LState, err error) int {
	ud := L.NewUserData()
	ud.Value = err
	mt := L.NewTable()
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(err.Error()))
		return 1
	}))
	L.SetMetatable(ud, mt)
	L.Error(ud, 0)
	return 0
}

// raisedCapabilityError returns the Go error a failed capability call
// raised, if that is what aborted the script. Scripts cannot mint
// userdata, so any error-carrying userdata came from fail.
func raisedCapabilityError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return nil
	}
	ud, ok := apiErr.Object.(*lua.LUserData)
	if !ok {
		return nil
	}
	goErr, _ := ud.Value.(error)
	return goErr
}

func bindAPI(L *lua.LState, inv *invocation) *lua.LTable {
	t := L.NewTable()
	bind := func(name string, fn lua.LGFunction) {
		L.SetField(t, name, L.NewFunction(fn))
	}

	bind("read", func(L *lua.LState) int {
		m, err := inv.api.Meta()
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(pushStringMap(L, m))
		return 1
	})
	bind("comments", func(L *lua.LState) int {
		list, err := inv.api.Comments()
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(pushMapList(L, list))
		return 1
	})
	bind("artifacts", func(L *lua.LState) int {
		list, err := inv.api.Artifacts()
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(pushMapList(L, list))
		return 1
	})
	bind("blocks", func(L *lua.LState) int {
		list, err := inv.api.Blocks()
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(pushMapList(L, list))
		return 1
	})
	bind("linked_prs", func(L *lua.LState) int {
		list, err := inv.api.LinkedPRs()
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(pushMapList(L, list))
		return 1
	})
	bind("pending_inputs", func(L *lua.LState) int {
		list, err := inv.api.PendingInputs()
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(pushMapList(L, list))
		return 1
	})

	bind("set_title", func(L *lua.LState) int {
		if err := inv.api.SetTitle(L.CheckString(1)); err != nil {
			return inv.fail(L, err)
		}
		return 0
	})
	bind("set_status", func(L *lua.LState) int {
		if err := inv.api.SetStatus(L.CheckString(1)); err != nil {
			return inv.fail(L, err)
		}
		return 0
	})
	bind("add_comment", func(L *lua.LState) int {
		id, err := inv.api.AddComment(L.CheckString(1), L.CheckString(2))
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(lua.LString(id))
		return 1
	})
	bind("add_artifact", func(L *lua.LState) int {
		id, err := inv.api.AddArtifact(L.CheckString(1), L.OptString(2, ""))
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(lua.LString(id))
		return 1
	})
	bind("add_deliverable", func(L *lua.LState) int {
		id, err := inv.api.AddDeliverable(L.CheckString(1), L.OptString(2, ""))
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(lua.LString(id))
		return 1
	})
	bind("add_block", func(L *lua.LState) int {
		id, err := inv.api.AddBlock(L.OptString(2, ""), L.CheckString(1))
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(lua.LString(id))
		return 1
	})
	bind("update_block", func(L *lua.LState) int {
		if err := inv.api.SetBlockContent(L.CheckString(1), L.CheckString(2)); err != nil {
			return inv.fail(L, err)
		}
		return 0
	})
	bind("link_pr", func(L *lua.LState) int {
		if err := inv.api.LinkPR(L.CheckInt(1), L.OptString(2, ""), L.OptString(3, "")); err != nil {
			return inv.fail(L, err)
		}
		return 0
	})
	bind("request_input", func(L *lua.LState) int {
		id, err := inv.api.RequestInput(L.CheckString(1))
		if err != nil {
			return inv.fail(L, err)
		}
		L.Push(lua.LString(id))
		return 1
	})

	return t
}

func pushStringMap(L *lua.LState, m map[string]string) *lua.LTable {
	t := L.NewTable()
	for k, v := range m {
		L.SetField(t, k, lua.LString(v))
	}
	return t
}

func pushMapList(L *lua.LState, list []map[string]string) *lua.LTable {
	t := L.NewTable()
	for i, m := range list {
		t.RawSetInt(i+1, pushStringMap(L, m))
	}
	return t
}
