package automation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/fault"
)

func newFakeService(t *testing.T) *ServiceClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/v1/commands" || req.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in CommandRequest
		json.NewDecoder(req.Body).Decode(&in)
		switch in.Target {
		case "web01":
			json.NewEncoder(w).Encode(CommandResult{
				Stdout: "nginx restarted", ExitCode: 0, DurationMS: 420,
			})
		case "down01":
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": "target unreachable"})
		case "forbidden01":
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "credential rejected"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown target"})
		}
	}))
	t.Cleanup(srv.Close)
	return NewServiceClient(srv.URL, "tok")
}

func TestServiceRun(t *testing.T) {
	c := newFakeService(t)

	res, err := c.Run(context.Background(), CommandRequest{
		Target: "web01", ConnectionType: ConnSSH, Command: "systemctl restart nginx",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "nginx restarted" || res.ExitCode != 0 || res.DurationMS != 420 {
		t.Fatalf("result = %+v", res)
	}
}

func TestServiceErrorClasses(t *testing.T) {
	c := newFakeService(t)
	ctx := context.Background()

	_, err := c.Run(ctx, CommandRequest{Target: "down01", Command: "uptime"})
	if got := fault.ClassOf(err); got != fault.Adapter {
		t.Fatalf("unreachable target class = %s, want %s", got, fault.Adapter)
	}

	_, err = c.Run(ctx, CommandRequest{Target: "forbidden01", Command: "uptime"})
	if got := fault.ClassOf(err); got != fault.Permission {
		t.Fatalf("denied class = %s, want %s", got, fault.Permission)
	}
}

func TestDispatcherPrefersService(t *testing.T) {
	d := NewDispatcher(newFakeService(t), nil, zap.NewNop())

	res, err := d.Run(context.Background(), CommandRequest{
		Target: "web01", ConnectionType: ConnSSH, Command: "uptime",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "nginx restarted" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatcherWinRMNeedsService(t *testing.T) {
	d := NewDispatcher(nil, NewSSHRunner(nil), zap.NewNop())

	_, err := d.Run(context.Background(), CommandRequest{
		Target: "win01", ConnectionType: ConnWinRM, Command: "Get-Service",
	})
	if got := fault.ClassOf(err); got != fault.Adapter {
		t.Fatalf("class = %s, want %s", got, fault.Adapter)
	}
}

func TestDispatcherValidatesRequest(t *testing.T) {
	d := NewDispatcher(newFakeService(t), nil, zap.NewNop())
	ctx := context.Background()

	if _, err := d.Run(ctx, CommandRequest{Command: "uptime"}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("missing target should be validation, got %v", err)
	}
	if _, err := d.Run(ctx, CommandRequest{Target: "web01"}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("missing command should be validation, got %v", err)
	}
}

func TestAuthMethodSelection(t *testing.T) {
	if _, err := authMethod(CommandRequest{Target: "h", Method: MethodPassword, Secret: "pw"}); err != nil {
		t.Fatalf("password method: %v", err)
	}
	if _, err := authMethod(CommandRequest{Target: "h", Method: MethodPassword}); fault.ClassOf(err) != fault.SecretResolution {
		t.Fatalf("empty secret should fail resolution, got %v", err)
	}
	if _, err := authMethod(CommandRequest{Target: "h", Method: MethodPrivateKey, Secret: "not a pem"}); fault.ClassOf(err) != fault.SecretResolution {
		t.Fatalf("bad key should fail resolution, got %v", err)
	}
	if _, err := authMethod(CommandRequest{Target: "h", Method: "kerberos", Secret: "x"}); fault.ClassOf(err) != fault.Validation {
		t.Fatalf("unknown method should be validation, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	short, cut := truncate("hello")
	if cut || short != "hello" {
		t.Fatalf("short output altered: %q cut=%v", short, cut)
	}

	long, cut := truncate(strings.Repeat("x", maxOutputBytes+100))
	if !cut {
		t.Fatal("long output should be truncated")
	}
	if !strings.HasSuffix(long, "[truncated]") {
		t.Fatalf("missing truncation marker: %q", long[len(long)-30:])
	}
}
