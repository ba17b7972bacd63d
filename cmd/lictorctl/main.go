package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultServer = "http://localhost:8090"
	pollInterval  = 2 * time.Second
)

type cliConfig struct {
	server     string
	tenant     string
	actor      string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.tenant, cfg.actor)
	ctx := context.Background()

	switch command {
	case "submit":
		err = runSubmit(ctx, client, cfg, args)
	case "list":
		err = runList(ctx, client, cfg, args)
	case "show":
		err = runShow(ctx, client, cfg, args)
	case "progress":
		err = runProgress(ctx, client, cfg, args)
	case "watch":
		err = runWatch(ctx, client, cfg, args)
	case "cancel":
		err = runDecision(ctx, client, cfg, args, "cancel")
	case "approve":
		err = runDecision(ctx, client, cfg, args, "approve")
	case "reject":
		err = runDecision(ctx, client, cfg, args, "reject")
	case "approvals":
		err = runApprovals(ctx, client, cfg, args)
	case "dlq":
		err = runDLQ(ctx, client, cfg, args)
	case "requeue":
		err = runRequeue(ctx, client, cfg, args)
	case "archive":
		err = runArchive(ctx, client, cfg, args)
	case "metrics":
		err = runMetrics(ctx, client, cfg, args)
	case "health":
		err = runHealth(ctx, client, cfg, args)
	case "version":
		fmt.Printf("lictorctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server: defaultServer,
		tenant: os.Getenv("LICTOR_TENANT"),
		actor:  os.Getenv("LICTOR_ACTOR"),
	}
	if v := os.Getenv("LICTOR_SERVER"); v != "" {
		cfg.server = v
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--tenant":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--tenant requires a value")
			}
			cfg.tenant = args[idx+1]
			idx += 2
		case "--actor":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--actor requires a value")
			}
			cfg.actor = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: lictorctl [--server <url>] [--tenant <id>] [--actor <id>] [--json] <command>

Identity defaults come from LICTOR_TENANT and LICTOR_ACTOR; the server from
LICTOR_SERVER.

Commands:
  submit <plan.json> [--key <k>] [--wait]
                            Submit a plan for execution
  list [--status <s>] [--sla <s>] [--actor <a>] [--limit <n>]
                            List executions
  show <id>                 Show execution detail with steps
  progress <id>             Show completion progress
  watch <id> [--after-seq <n>]
                            Tail the execution's event stream
  cancel <id> [--reason <r>]
                            Request cancellation
  approvals                 List pending approvals
  approve <id> [--reason <r>]
                            Approve a gated execution
  reject <id> --reason <r>  Reject a gated execution
  dlq [--all]               List dead-lettered executions
  requeue <dlq-id>          Put a dead-lettered execution back on the queue
  archive <dlq-id>          Archive a dead letter
  metrics [--window <h>]    Show execution statistics
  health                    Show engine health
  version                   Print client version
`)
}

func runSubmit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	planPath := ""
	key := ""
	wait := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--key":
			if i+1 >= len(args) {
				return fmt.Errorf("--key requires a value")
			}
			key = args[i+1]
			i++
		case "--wait":
			wait = true
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if planPath != "" {
				return fmt.Errorf("usage: lictorctl submit <plan.json> [--key <k>] [--wait]")
			}
			planPath = args[i]
		}
	}
	if planPath == "" {
		return fmt.Errorf("usage: lictorctl submit <plan.json> [--key <k>] [--wait]")
	}

	plan, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}

	res, err := client.Execute(ctx, plan, key)
	if err != nil {
		return err
	}
	ex := res.Execution

	if wait && !isTerminalStatus(ex.Status) {
		ex, err = waitForExecution(ctx, client, ex.ID)
		if err != nil {
			return err
		}
	}

	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}

	fmt.Printf("ID: %s\n", ex.ID)
	fmt.Printf("Status: %s\n", ColorStatus(ex.Status))
	fmt.Printf("Mode: %s\n", ex.Mode)
	fmt.Printf("Class: %s/%s\n", ex.SLAClass, ex.ActionClass)
	if res.Deduped {
		fmt.Println("Deduped: true")
	}
	if ex.ErrorMessage != "" {
		fmt.Printf("Error: %s: %s\n", ex.ErrorClass, ex.ErrorMessage)
	}
	return nil
}

func waitForExecution(ctx context.Context, client *APIClient, id string) (*Execution, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		detail, err := client.Execution(ctx, id)
		if err != nil {
			return nil, err
		}
		if isTerminalStatus(detail.Execution.Status) {
			return &detail.Execution, nil
		}
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

func runList(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	query := url.Values{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status", "--sla", "--actor", "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", args[i])
			}
			query.Set(strings.TrimPrefix(args[i], "--"), args[i+1])
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	list, err := client.Executions(ctx, query)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"ID", "STATUS", "MODE", "SLA", "ACTION", "CREATED", "ACTOR"}
	rows := make([][]string, 0, len(list.Executions))
	for _, ex := range list.Executions {
		rows = append(rows, []string{
			ex.ID,
			ColorStatus(ex.Status),
			ex.Mode,
			ex.SLAClass,
			ex.ActionClass,
			FormatTimeOrDash(ex.CreatedAt),
			Truncate(ex.ActorID, 18),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d executions\n", list.Count)
	return nil
}

func runShow(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lictorctl show <id>")
	}

	detail, err := client.Execution(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, detail)
	}

	ex := detail.Execution
	fmt.Printf("ID: %s\n", ex.ID)
	fmt.Printf("Status: %s\n", ColorStatus(ex.Status))
	fmt.Printf("Mode: %s\n", ex.Mode)
	fmt.Printf("Class: %s/%s\n", ex.SLAClass, ex.ActionClass)
	fmt.Printf("Actor: %s\n", ex.ActorID)
	fmt.Printf("Created: %s\n", FormatTimeOrDash(ex.CreatedAt))
	if ex.StartedAt != nil {
		fmt.Printf("Started: %s\n", FormatTimeOrDash(*ex.StartedAt))
	}
	if ex.EndedAt != nil {
		fmt.Printf("Ended: %s\n", FormatTimeOrDash(*ex.EndedAt))
	}
	if ex.TimedOut {
		fmt.Println("Timed Out: true")
	}
	if ex.CancelRequested || ex.CancelledBy != "" {
		fmt.Printf("Cancelled By: %s\n", ex.CancelledBy)
		if ex.CancelReason != "" {
			fmt.Printf("Cancel Reason: %s\n", ex.CancelReason)
		}
	}
	if ex.ErrorMessage != "" {
		fmt.Printf("Error: %s: %s\n", ex.ErrorClass, ex.ErrorMessage)
	}

	if detail.Approval != nil {
		ap := detail.Approval
		fmt.Printf("\nApproval: %s (requires %s)\n", ap.State, ap.RequiredRole)
		if ap.DecidedBy != "" {
			fmt.Printf("Decided By: %s", ap.DecidedBy)
			if ap.DecidedAt != nil {
				fmt.Printf(" at %s", FormatTimeOrDash(*ap.DecidedAt))
			}
			fmt.Println()
		}
		if ap.Reason != "" {
			fmt.Printf("Decision Reason: %s\n", ap.Reason)
		}
	}

	if len(detail.Steps) > 0 {
		fmt.Println()
		headers := []string{"#", "TYPE", "TARGET", "ACTION", "STATUS", "TRIES", "TIME"}
		rows := make([][]string, 0, len(detail.Steps))
		for _, st := range detail.Steps {
			target := st.Target
			if target == "" {
				target = "-"
			}
			action := st.Action
			if action == "" {
				action = "-"
			}
			rows = append(rows, []string{
				strconv.Itoa(st.Ordinal),
				st.Type,
				Truncate(target, 24),
				Truncate(action, 20),
				ColorStatus(st.Status),
				strconv.Itoa(st.Attempts),
				FormatSpan(st.StartedAt, st.EndedAt),
			})
		}
		RenderTable(os.Stdout, headers, rows)
	}
	return nil
}

func runProgress(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lictorctl progress <id>")
	}

	p, err := client.Progress(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, p)
	}

	fmt.Printf("Status: %s\n", ColorStatus(p.Status))
	fmt.Printf("Steps: %d/%d complete", p.CompletedSteps, p.TotalSteps)
	if p.RunningSteps > 0 {
		fmt.Printf(" (%d running)", p.RunningSteps)
	}
	fmt.Println()
	fmt.Printf("Progress: %.0f%%\n", p.Fraction*100)
	if p.CurrentStep != "" {
		fmt.Printf("Current Step: %s\n", p.CurrentStep)
	}
	if p.EstimatedCompletion != nil {
		fmt.Printf("Estimated Completion: %s\n", FormatTimeOrDash(*p.EstimatedCompletion))
	}
	return nil
}

func runWatch(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	id := ""
	var afterSeq int64
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--after-seq":
			if i+1 >= len(args) {
				return fmt.Errorf("--after-seq requires a value")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("--after-seq must be a number")
			}
			afterSeq = n
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if id != "" {
				return fmt.Errorf("usage: lictorctl watch <id> [--after-seq <n>]")
			}
			id = args[i]
		}
	}
	if id == "" {
		return fmt.Errorf("usage: lictorctl watch <id> [--after-seq <n>]")
	}

	watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return client.StreamEvents(watchCtx, id, afterSeq, os.Stdout)
}

func runDecision(ctx context.Context, client *APIClient, cfg cliConfig, args []string, verb string) error {
	id := ""
	reason := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--reason":
			if i+1 >= len(args) {
				return fmt.Errorf("--reason requires a value")
			}
			reason = args[i+1]
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			if id != "" {
				return fmt.Errorf("usage: lictorctl %s <id> [--reason <r>]", verb)
			}
			id = args[i]
		}
	}
	if id == "" {
		return fmt.Errorf("usage: lictorctl %s <id> [--reason <r>]", verb)
	}
	if verb == "reject" && reason == "" {
		return fmt.Errorf("--reason is required to reject")
	}

	var (
		ex  *Execution
		err error
	)
	switch verb {
	case "cancel":
		ex, err = client.Cancel(ctx, id, reason)
	case "approve":
		ex, err = client.Approve(ctx, id, reason)
	case "reject":
		ex, err = client.Reject(ctx, id, reason)
	}
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, ex)
	}

	fmt.Printf("ID: %s\n", ex.ID)
	fmt.Printf("Status: %s\n", ColorStatus(ex.Status))
	return nil
}

func runApprovals(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: lictorctl approvals")
	}

	list, err := client.Approvals(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"ID", "EXECUTION", "REQUIRES", "STATE", "CREATED"}
	rows := make([][]string, 0, len(list.Approvals))
	for _, ap := range list.Approvals {
		rows = append(rows, []string{
			ap.ID,
			ap.ExecutionID,
			ap.RequiredRole,
			ap.State,
			FormatTimeOrDash(ap.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d pending\n", list.Count)
	return nil
}

func runDLQ(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	includeArchived := false
	for _, arg := range args {
		switch arg {
		case "--all":
			includeArchived = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	list, err := client.DLQ(ctx, includeArchived)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, list)
	}

	headers := []string{"ID", "EXECUTION", "REASON", "ARCHIVED", "CREATED"}
	rows := make([][]string, 0, len(list.Items))
	for _, item := range list.Items {
		rows = append(rows, []string{
			item.ID,
			item.ExecutionID,
			Truncate(item.FailureReason, 40),
			strconv.FormatBool(item.Archived),
			FormatTimeOrDash(item.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d items\n", list.Count)
	return nil
}

func runRequeue(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lictorctl requeue <dlq-id>")
	}

	item, err := client.RequeueDLQ(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, item)
	}

	fmt.Printf("Execution: %s\n", item.ExecutionID)
	fmt.Printf("Attempts: %d/%d\n", item.Attempts, item.MaxAttempts)
	fmt.Printf("Priority: %d\n", item.Priority)
	fmt.Printf("Available: %s\n", FormatTimeOrDash(item.AvailableAt))
	return nil
}

func runArchive(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lictorctl archive <dlq-id>")
	}
	if err := client.ArchiveDLQ(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Archived: %s\n", args[0])
	return nil
}

func runMetrics(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	window := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--window":
			if i+1 >= len(args) {
				return fmt.Errorf("--window requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--window must be a positive number of hours")
			}
			window = n
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	summary, err := client.Metrics(ctx, window)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, summary)
	}

	stats := summary.Executions
	fmt.Printf("Window: %dh\n", stats.WindowHours)
	fmt.Printf("Total: %d (%.1f%% success)\n", stats.Total, stats.SuccessRate*100)
	fmt.Printf("Succeeded: %d  Failed: %d  Cancelled: %d  Timed Out: %d\n",
		stats.Succeeded, stats.Failed, stats.Cancelled, stats.TimedOut)
	fmt.Printf("Running: %d  Queued: %d  Awaiting Approval: %d\n",
		stats.Running, stats.Queued, stats.AwaitingApproval)
	fmt.Printf("Queue Depth: %d\n", summary.QueueDepth)

	if len(summary.StepDurations) > 0 {
		fmt.Println()
		headers := []string{"STEP TYPE", "COUNT", "MEAN", "P50", "P95", "P99"}
		rows := make([][]string, 0, len(summary.StepDurations))
		for _, d := range summary.StepDurations {
			rows = append(rows, []string{
				d.StepType,
				strconv.Itoa(d.Count),
				fmt.Sprintf("%.0fms", d.MeanMS),
				fmt.Sprintf("%.0fms", d.P50MS),
				fmt.Sprintf("%.0fms", d.P95MS),
				fmt.Sprintf("%.0fms", d.P99MS),
			})
		}
		RenderTable(os.Stdout, headers, rows)
	}
	return nil
}

func runHealth(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: lictorctl health")
	}

	rep, err := client.Health(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, rep)
	}

	overall := ansiGreen + "healthy" + ansiReset
	if !rep.OK {
		overall = ansiRed + "degraded" + ansiReset
	}
	fmt.Printf("Overall: %s\n", overall)
	fmt.Printf("Uptime: %s\n", rep.Uptime)
	fmt.Printf("Go: %s (%d goroutines)\n", rep.GoVersion, rep.Goroutines)

	if len(rep.Components) > 0 {
		fmt.Println()
		headers := []string{"COMPONENT", "STATE", "DETAIL"}
		rows := make([][]string, 0, len(rep.Components))
		for _, c := range rep.Components {
			state := ansiGreen + "ok" + ansiReset
			if !c.OK {
				state = ansiRed + "failing" + ansiReset
			}
			detail := c.Detail
			if detail == "" {
				detail = "-"
			}
			rows = append(rows, []string{c.Name, state, Truncate(detail, 48)})
		}
		RenderTable(os.Stdout, headers, rows)
	}

	if len(rep.SLAViolations) > 0 {
		fmt.Println()
		headers := []string{"EXECUTION", "CLASS", "RUNNING", "BUDGET"}
		rows := make([][]string, 0, len(rep.SLAViolations))
		for _, v := range rep.SLAViolations {
			rows = append(rows, []string{
				v.ExecutionID,
				v.SLAClass + "/" + v.ActionClass,
				(time.Duration(v.RunningForMS) * time.Millisecond).String(),
				(time.Duration(v.BudgetMS) * time.Millisecond).String(),
			})
		}
		RenderTable(os.Stdout, headers, rows)
	}
	return nil
}
