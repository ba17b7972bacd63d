package handler

import (
	"context"

	"github.com/marcus-qen/lictor/internal/assets"
	"github.com/marcus-qen/lictor/internal/automation"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// FileHandler runs file steps (read, write, copy, delete, stat) on remote
// assets through the automation service.
type FileHandler struct {
	assets     *assets.Client
	dispatcher *automation.Dispatcher
}

func NewFileHandler(assetClient *assets.Client, dispatcher *automation.Dispatcher) *FileHandler {
	return &FileHandler{assets: assetClient, dispatcher: dispatcher}
}

func (h *FileHandler) Family() plan.Family { return plan.FamilyFile }

func (h *FileHandler) Aliases() []string { return []string{"file", "copy", "transfer"} }

func (h *FileHandler) Resolve(req *Request) error {
	if req.Step.Target == "" {
		return fault.New(fault.Validation, "file step needs a target asset")
	}
	op, err := fileOperation(req)
	if err != nil {
		return err
	}
	if stringInput(req.Inputs, "path") == "" {
		return fault.New(fault.Validation, "file step needs a path")
	}
	switch op {
	case automation.FileWrite:
		if _, ok := req.Inputs["content"]; !ok {
			return fault.New(fault.Validation, "file write needs content")
		}
	case automation.FileCopy:
		if stringInput(req.Inputs, "destination") == "" {
			return fault.New(fault.Validation, "file copy needs a destination")
		}
	}
	return nil
}

func (h *FileHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	op, err := fileOperation(req)
	if err != nil {
		return nil, err
	}
	asset, err := h.assets.GetAsset(ctx, req.Step.Target)
	if err != nil {
		return nil, err
	}

	fr := automation.FileRequest{
		Target:         assetAddress(asset),
		ConnectionType: connectionType(asset, req.Step.Type),
		Operation:      op,
		Path:           stringInput(req.Inputs, "path"),
		Content:        stringInput(req.Inputs, "content"),
		Destination:    stringInput(req.Inputs, "destination"),
		Mode:           stringInput(req.Inputs, "mode"),
		User:           stringInput(req.Inputs, "user"),
		Secret:         stringInput(req.Inputs, "secret"),
		Method:         stringInput(req.Inputs, "method"),
	}

	res, err := h.dispatcher.RunFile(ctx, fr)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"operation":   op,
		"path":        fr.Path,
		"exists":      res.Exists,
		"size":        res.Size,
		"duration_ms": res.DurationMS,
	}
	if op == automation.FileRead {
		out["content"] = res.Content
	}
	if res.Truncated {
		out["truncated"] = true
	}
	return &Result{Output: out}, nil
}

func (h *FileHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Timeout:
		return "the file operation did not finish within its budget"
	case fault.Permission:
		return "access to the asset was denied"
	default:
		return "the file operation failed on the target"
	}
}

func fileOperation(req *Request) (string, error) {
	raw := stringInput(req.Inputs, "operation")
	if raw == "" {
		// The copy and transfer aliases imply the operation.
		if req.Step.Type == "copy" || req.Step.Type == "transfer" {
			return automation.FileCopy, nil
		}
		return "", fault.New(fault.Validation, "file step needs an operation")
	}
	switch raw {
	case automation.FileRead, automation.FileWrite, automation.FileCopy, automation.FileDelete, automation.FileStat:
		return raw, nil
	default:
		return "", fault.New(fault.Validation, "unsupported file operation %q", raw)
	}
}
