package lua

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/phonepilot/internal/logging"
	"github.com/mpataki/phonepilot/internal/models"
	"github.com/mpataki/phonepilot/internal/orchestrator"
)

// DefaultCallTimeout bounds a single on_output call.
const DefaultCallTimeout = 200 * time.Millisecond

// RulesFunc supplies the execution rules exposed to scripts through rules().
type RulesFunc func() []models.ExecutionRule

// Hooks runs a user's output hook script in a sandboxed Lua state. It
// implements orchestrator.Hook.
type Hooks struct {
	mu      sync.Mutex
	L       *lua.LState
	handler lua.LValue
	rules   RulesFunc
	log     *slog.Logger
	timeout time.Duration
}

// Load reads and evaluates the script at path. A missing file yields an error
// wrapping os.ErrNotExist.
func Load(path string, rules RulesFunc, log *slog.Logger) (*Hooks, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks script: %w", err)
	}
	return LoadString(string(script), rules, log)
}

// LoadString evaluates source, which must define on_output(category, message).
func LoadString(source string, rules RulesFunc, log *slog.Logger) (*Hooks, error) {
	h := &Hooks{
		rules:   rules,
		log:     logging.Component(log, "hooks"),
		timeout: DefaultCallTimeout,
	}

	// Don't load any libraries by default
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L)
	h.registerAPI(L)

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load hooks script: %w", err)
	}

	handler := L.GetGlobal("on_output")
	if handler.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("hooks script must define an 'on_output' function")
	}

	h.L = L
	h.handler = handler
	return h, nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	// pairs, ipairs, type, tostring, tonumber, error, etc.
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (h *Hooks) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(h.luaLog))
	L.SetGlobal("rules", L.NewFunction(h.luaRules))
}

// luaLog implements the log(message) API
func (h *Hooks) luaLog(L *lua.LState) int {
	h.log.Info(L.CheckString(1))
	return 0
}

// luaRules implements the rules() API: a list of {name, condition, action}
// for every enabled execution rule.
func (h *Hooks) luaRules(L *lua.LState) int {
	tbl := L.NewTable()
	if h.rules != nil {
		for _, r := range h.rules() {
			if !r.Enabled {
				continue
			}
			row := L.NewTable()
			L.SetField(row, "name", lua.LString(r.Name))
			L.SetField(row, "condition", lua.LString(r.Condition))
			L.SetField(row, "action", lua.LString(string(r.Action)))
			tbl.Append(row)
		}
	}
	L.Push(tbl)
	return 1
}

// Inspect calls on_output for entry. Script errors and timeouts are logged
// and keep the entry.
func (h *Hooks) Inspect(entry models.LogEntry) orchestrator.Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.L == nil {
		return orchestrator.Keep
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.L.SetContext(ctx)
	defer h.L.RemoveContext()

	err := h.L.CallByParam(lua.P{
		Fn:      h.handler,
		NRet:    1,
		Protect: true,
	}, lua.LString(string(entry.Category)), lua.LString(entry.Message))
	if err != nil {
		h.log.Warn("on_output failed", "error", err)
		return orchestrator.Keep
	}

	ret := h.L.Get(-1)
	h.L.Pop(1)

	switch lua.LVAsString(ret) {
	case "", "continue":
		return orchestrator.Keep
	case "skip":
		return orchestrator.Skip
	case "stop":
		return orchestrator.StopRun
	case "notify":
		h.log.Warn("hook flagged output", "category", entry.Category, "message", entry.Message)
		return orchestrator.Keep
	default:
		h.log.Warn("on_output returned unknown verdict", "verdict", ret.String())
		return orchestrator.Keep
	}
}

func (h *Hooks) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.L != nil {
		h.L.Close()
		h.L = nil
	}
}
