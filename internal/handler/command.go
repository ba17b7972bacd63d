package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/lictor/internal/assets"
	"github.com/marcus-qen/lictor/internal/automation"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// CommandHandler runs shell and powershell commands on remote assets. The
// target resolves through inventory at invoke time so connection details are
// always current.
type CommandHandler struct {
	assets     *assets.Client
	dispatcher *automation.Dispatcher
}

func NewCommandHandler(ac *assets.Client, d *automation.Dispatcher) *CommandHandler {
	return &CommandHandler{assets: ac, dispatcher: d}
}

func (h *CommandHandler) Family() plan.Family { return plan.FamilyCommand }

func (h *CommandHandler) Aliases() []string {
	return []string{"command", "shell", "script", "powershell"}
}

func (h *CommandHandler) Resolve(req *Request) error {
	if strings.TrimSpace(req.Step.Target) == "" {
		return fault.New(fault.Validation, "command step needs a target")
	}
	if commandText(req) == "" {
		return fault.New(fault.Validation, "command step needs a command")
	}
	return nil
}

func (h *CommandHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	asset, err := h.assets.GetAsset(ctx, req.Step.Target)
	if err != nil {
		return nil, err
	}

	cmdReq := automation.CommandRequest{
		Target:         assetAddress(asset),
		ConnectionType: connectionType(asset, req.Step.Type),
		Command:        commandText(req),
		User:           stringInput(req.Inputs, "user"),
		Secret:         stringInput(req.Inputs, "secret"),
		Method:         stringInput(req.Inputs, "method"),
	}
	if deadline, ok := ctx.Deadline(); ok {
		cmdReq.TimeoutMS = time.Until(deadline).Milliseconds()
	}

	res, err := h.dispatcher.Run(ctx, cmdReq)
	if err != nil {
		return nil, err
	}

	out := &Result{Output: map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMS,
	}}
	if res.Truncated {
		out.Output["truncated"] = true
	}
	if res.ExitCode != 0 {
		return out, fault.New(fault.Adapter, "command exited with code %d on %s", res.ExitCode, req.Step.Target)
	}
	return out, nil
}

func (h *CommandHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Timeout:
		return "the command did not finish within its budget"
	case fault.Permission:
		return "access to the target was denied"
	case fault.SecretResolution:
		return "login material for the target could not be resolved"
	default:
		return "the command failed on the target"
	}
}

func commandText(req *Request) string {
	if c := stringInput(req.Inputs, "command"); c != "" {
		return c
	}
	return req.Step.Action
}

// connectionType picks the transport: inventory's assignment wins, then the
// step type, then the asset OS.
func connectionType(a *assets.Asset, stepType string) string {
	if a.ConnectionType != "" {
		return a.ConnectionType
	}
	if stepType == "powershell" {
		return automation.ConnWinRM
	}
	if strings.EqualFold(a.OS, "windows") {
		return automation.ConnWinRM
	}
	return automation.ConnSSH
}

func assetAddress(a *assets.Asset) string {
	host := a.IP
	if host == "" {
		host = a.Hostname
	}
	if a.Port > 0 {
		return fmt.Sprintf("%s:%d", host, a.Port)
	}
	return host
}
