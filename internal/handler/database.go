package handler

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"

	// Drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// maxDatabaseRows caps result sets captured into step output.
const maxDatabaseRows = 1000

// DatabaseHandler runs SQL steps. Read queries are forced into read-only
// transactions at the driver level; statements are rejected when they try
// to smuggle extra statements or comments past the plan validator.
type DatabaseHandler struct{}

func NewDatabaseHandler() *DatabaseHandler { return &DatabaseHandler{} }

func (h *DatabaseHandler) Family() plan.Family { return plan.FamilyDatabase }

func (h *DatabaseHandler) Aliases() []string { return []string{"database", "sql"} }

func (h *DatabaseHandler) Resolve(req *Request) error {
	if _, err := driverName(stringInput(req.Inputs, "driver")); err != nil {
		return err
	}
	if stringInput(req.Inputs, "dsn") == "" {
		return fault.New(fault.Validation, "database step needs a dsn")
	}
	query := stringInput(req.Inputs, "query")
	if query == "" {
		return fault.New(fault.Validation, "database step needs a query")
	}
	if containsStackedStatements(query) {
		return fault.New(fault.Validation, "query contains multiple statements or comments")
	}
	return nil
}

func (h *DatabaseHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	driver, err := driverName(stringInput(req.Inputs, "driver"))
	if err != nil {
		return nil, err
	}
	query := stringInput(req.Inputs, "query")

	conn, err := sql.Open(driver, stringInput(req.Inputs, "dsn"))
	if err != nil {
		return nil, fault.Wrap(fault.Adapter, err, "open %s connection", driver)
	}
	defer conn.Close()

	start := time.Now()
	if isReadQuery(query) {
		return h.runRead(ctx, conn, query, start)
	}
	return h.runWrite(ctx, conn, query, start)
}

func (h *DatabaseHandler) runRead(ctx context.Context, conn *sql.DB, query string, start time.Time) (*Result, error) {
	// Read-only at the driver level, not just by prefix inspection.
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classifyDBError(err, "begin read-only transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyDBError(err, "execute query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fault.Wrap(fault.Adapter, err, "read result columns")
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	var out []map[string]any
	truncated := false
	for rows.Next() {
		if len(out) >= maxDatabaseRows {
			truncated = true
			break
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fault.Wrap(fault.Adapter, err, "scan row %d", len(out))
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, "iterate rows")
	}

	output := map[string]any{
		"columns":     columns,
		"rows":        out,
		"row_count":   len(out),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if truncated {
		output["truncated"] = true
	}
	return &Result{Output: output}, nil
}

func (h *DatabaseHandler) runWrite(ctx context.Context, conn *sql.DB, query string, start time.Time) (*Result, error) {
	res, err := conn.ExecContext(ctx, query)
	if err != nil {
		return nil, classifyDBError(err, "execute statement")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report it; the statement still ran.
		affected = -1
	}
	return &Result{Output: map[string]any{
		"rows_affected": affected,
		"duration_ms":   time.Since(start).Milliseconds(),
	}}, nil
}

func (h *DatabaseHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Timeout:
		return "the query did not finish within its budget"
	case fault.Validation:
		return "the statement was rejected before execution"
	default:
		return "the database operation failed"
	}
}

// driverName maps plan-facing driver names to database/sql registrations.
func driverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "pgx", nil // pgx/v5/stdlib registers as "pgx"
	case "mysql":
		return "mysql", nil
	case "":
		return "", fault.New(fault.Validation, "database step needs a driver")
	default:
		return "", fault.New(fault.Validation, "unsupported database driver %q", driver)
	}
}

// isReadQuery reports whether the statement can run inside a read-only
// transaction. Unknown prefixes are treated as writes.
func isReadQuery(query string) bool {
	normalized := strings.TrimSpace(strings.ToUpper(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN", "WITH"} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// containsStackedStatements flags queries carrying extra statements or
// comments. Plans supply whole statements, so either pattern means the
// query text was tampered with after validation.
func containsStackedStatements(query string) bool {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
	if strings.Contains(trimmed, ";") {
		return true
	}
	if strings.Contains(query, "--") || strings.Contains(query, "/*") {
		return true
	}
	return false
}

func classifyDBError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "context deadline exceeded") {
		return fault.Wrap(fault.Timeout, err, "%s", op)
	}
	return fault.Wrap(fault.Adapter, err, "%s", op)
}
