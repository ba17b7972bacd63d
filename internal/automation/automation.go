// Package automation executes commands on remote assets. Two paths exist:
// the platform automation service (HTTP, handles ssh and winrm centrally)
// and a direct SSH runner for installations without one. The dispatcher
// picks the path per request; winrm always needs the service.
package automation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/fault"
)

// maxOutputBytes caps captured command output per stream.
const maxOutputBytes = 8192

// Connection types inventory assigns to assets.
const (
	ConnSSH   = "ssh"
	ConnWinRM = "winrm"
)

// CommandRequest describes one command invocation. Secret is the already-
// resolved credential material; the caller zeroises it after the call.
type CommandRequest struct {
	Target         string `json:"target"`
	ConnectionType string `json:"connection_type"`
	Command        string `json:"command"`
	User           string `json:"user,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Method         string `json:"method,omitempty"`
	TimeoutMS      int64  `json:"timeout_ms,omitempty"`
}

// CommandResult is the outcome of a completed command. A non-zero exit code
// is a completed command, not a transport error; callers decide what it
// means for the step.
type CommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// File operations the automation service supports.
const (
	FileRead   = "read"
	FileWrite  = "write"
	FileCopy   = "copy"
	FileDelete = "delete"
	FileStat   = "stat"
)

// FileRequest describes one remote file operation.
type FileRequest struct {
	Target         string `json:"target"`
	ConnectionType string `json:"connection_type"`
	Operation      string `json:"operation"`
	Path           string `json:"path"`
	Content        string `json:"content,omitempty"`
	Destination    string `json:"destination,omitempty"`
	Mode           string `json:"mode,omitempty"`
	User           string `json:"user,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Method         string `json:"method,omitempty"`
}

// FileResult is the outcome of a file operation.
type FileResult struct {
	Content    string `json:"content,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Exists     bool   `json:"exists"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Runner executes a single command against a remote target.
type Runner interface {
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// Dispatcher routes command requests to the automation service when one is
// configured, falling back to direct SSH.
type Dispatcher struct {
	service *ServiceClient
	ssh     *SSHRunner
	logger  *zap.Logger
}

func NewDispatcher(service *ServiceClient, ssh *SSHRunner, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{service: service, ssh: ssh, logger: logger}
}

func (d *Dispatcher) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if req.Target == "" {
		return nil, fault.New(fault.Validation, "command request has no target")
	}
	if req.Command == "" {
		return nil, fault.New(fault.Validation, "command request has no command")
	}

	start := time.Now()
	var (
		res *CommandResult
		err error
	)
	switch {
	case d.service != nil:
		res, err = d.service.Run(ctx, req)
	case req.ConnectionType == ConnWinRM:
		return nil, fault.New(fault.Adapter, "winrm targets need the automation service")
	case d.ssh != nil:
		res, err = d.ssh.Run(ctx, req)
	default:
		return nil, fault.New(fault.Adapter, "no automation path configured")
	}
	if err != nil {
		return nil, err
	}
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(start).Milliseconds()
	}
	d.logger.Debug("command completed",
		zap.String("target", req.Target),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}

// RunFile performs a remote file operation. File transfer always goes
// through the automation service; the direct SSH path has no sftp support.
func (d *Dispatcher) RunFile(ctx context.Context, req FileRequest) (*FileResult, error) {
	if req.Target == "" {
		return nil, fault.New(fault.Validation, "file request has no target")
	}
	if req.Path == "" {
		return nil, fault.New(fault.Validation, "file request has no path")
	}
	if d.service == nil {
		return nil, fault.New(fault.Adapter, "file steps need the automation service")
	}

	res, err := d.service.RunFile(ctx, req)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("file operation completed",
		zap.String("target", req.Target),
		zap.String("operation", req.Operation),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}

// truncate caps s at maxOutputBytes, reporting whether it was cut.
func truncate(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[:maxOutputBytes] + "\n... [truncated]", true
}
