package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/probeerr"
)

const defaultQueryTimeout = 30 * time.Second

// Manager installs, validates and removes the probe's objects in a source database
type Manager struct {
	conn         *sql.DB
	dialect      SQLDialect
	logger       hclog.Logger
	queryTimeout time.Duration
}

// ManagerOption allows customizing the Manager
type ManagerOption func(*Manager)

// WithQueryTimeout bounds every metadata query and DDL statement
func WithQueryTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.queryTimeout = d
		}
	}
}

// WithLogger sets the manager's logger
func WithLogger(l hclog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager for conn
func NewManager(conn *sql.DB, dialect SQLDialect, opts ...ManagerOption) *Manager {
	m := &Manager{
		conn:         conn,
		dialect:      dialect,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).Named("schema")
	return m
}

// Dialect returns the SQL dialect in use
func (m *Manager) Dialect() SQLDialect { return m.dialect }

// InstallResult summarizes InstallSchema
type InstallResult struct {
	ChangeLogCreated bool
	Installed        []string
	Specs            []TableSpec
	Skipped          []*probeerr.SchemaError
}

// DiscoverTables lists user tables, leaving out the probe's own
func (m *Manager) DiscoverTables(ctx context.Context) ([]string, error) {
	all, err := m.allTables(ctx)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(all))
	for _, t := range all {
		if !IsReserved(t) {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

func (m *Manager) allTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	rows, err := m.conn.QueryContext(ctx, m.dialect.TablesQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, strings.TrimSpace(name))
	}
	return tables, rows.Err()
}

// DescribeTable reads the columns and primary key of a table
func (m *Manager) DescribeTable(ctx context.Context, name string) (TableSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	rows, err := m.conn.QueryContext(ctx, m.dialect.ColumnsQuery(), name)
	if err != nil {
		return TableSpec{}, fmt.Errorf("failed to describe table %s: %w", name, err)
	}
	defer rows.Close()

	spec := TableSpec{Name: name}
	for rows.Next() {
		var col Column
		var typ sql.NullString
		var pk sql.NullInt64
		if err := rows.Scan(&col.Name, &typ, &pk); err != nil {
			return TableSpec{}, fmt.Errorf("failed to scan column of %s: %w", name, err)
		}
		col.Name = strings.TrimSpace(col.Name)
		col.Type = strings.TrimSpace(typ.String)
		col.Kind = ClassifyType(col.Type)
		col.PKOrdinal = int(pk.Int64)
		spec.Columns = append(spec.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return TableSpec{}, fmt.Errorf("failed to read columns of %s: %w", name, err)
	}
	if len(spec.Columns) == 0 {
		return TableSpec{}, &probeerr.SchemaError{Table: name, Reason: "table not found"}
	}
	return spec, nil
}

// ChangeLogExists reports whether the change-log table is present
func (m *Manager) ChangeLogExists(ctx context.Context) (bool, error) {
	all, err := m.allTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range all {
		if strings.EqualFold(t, ChangeLogTable) {
			return true, nil
		}
	}
	return false, nil
}

// Triggers lists triggers carrying the reserved prefix
func (m *Manager) Triggers(ctx context.Context) ([]TriggerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	rows, err := m.conn.QueryContext(ctx, m.dialect.TriggersQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var out []TriggerInfo
	for rows.Next() {
		var t TriggerInfo
		var table, body sql.NullString
		if err := rows.Scan(&t.Name, &table, &body); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		t.Name = strings.TrimSpace(t.Name)
		t.Table = strings.TrimSpace(table.String)
		t.Body = body.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// PendingChanges counts rows waiting in the change-log
func (m *Manager) PendingChanges(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	var n int64
	if err := m.conn.QueryRowContext(ctx, m.dialect.CountChanges()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count change-log rows: %w", err)
	}
	return n, nil
}

// EnsureCleanSlate drops every object the probe owns. Objects that carry the
// reserved names but were not created by the probe are left alone and reported
// as a *probeerr.SchemaError.
func (m *Manager) EnsureCleanSlate(ctx context.Context) error {
	triggers, err := m.Triggers(ctx)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if !OwnsTrigger(t.Body) {
			return &probeerr.SchemaError{Table: t.Table, Object: t.Name, Reason: "trigger uses the reserved prefix but does not write to the change-log; refusing to drop it"}
		}
	}

	exists, err := m.ChangeLogExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if problems := m.checkChangeLogShape(ctx); len(problems) > 0 {
			return &probeerr.SchemaError{Object: ChangeLogTable, Reason: "incompatible change-log table; refusing to drop it: " + strings.Join(problems, "; ")}
		}
		pending, err := m.PendingChanges(ctx)
		if err != nil {
			return err
		}
		if pending > 0 {
			m.logger.Warn("Discarding unconsumed change-log rows", "rows", pending)
		}
	}

	var errs *multierror.Error
	for _, stmt := range m.dialect.CompileDrop(Objects{Triggers: triggers, ChangeLog: true}) {
		if err := m.exec(ctx, stmt); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to remove probe objects: %w", err)
	}

	m.logger.Info("Removed probe objects", "triggers", len(triggers), "changeLog", exists)
	return nil
}

// InstallSchema creates the change-log when absent and installs triggers on each
// table. Tables that are missing or have no primary key are skipped and reported
// in the result. An empty table list means every user table.
func (m *Manager) InstallSchema(ctx context.Context, tables []string) (InstallResult, error) {
	var result InstallResult

	exists, err := m.ChangeLogExists(ctx)
	if err != nil {
		return result, err
	}
	if !exists {
		for _, stmt := range m.dialect.CompileChangeLog() {
			if err := m.exec(ctx, stmt); err != nil {
				return result, &probeerr.SchemaError{Object: ChangeLogTable, Reason: "failed to create change-log", Err: err}
			}
		}
		result.ChangeLogCreated = true
		m.logger.Info("Created change-log table", "table", ChangeLogTable)
	}

	resolved, missing, err := m.resolveTables(ctx, tables)
	if err != nil {
		return result, err
	}
	for _, name := range missing {
		skip := &probeerr.SchemaError{Table: name, Reason: "table not found"}
		m.logger.Warn("Skipping table", "table", name, "reason", skip.Reason)
		result.Skipped = append(result.Skipped, skip)
	}

	for _, name := range resolved {
		spec, skip := m.installTable(ctx, name)
		if skip != nil {
			m.logger.Warn("Skipping table", "table", name, "reason", skip.Error())
			result.Skipped = append(result.Skipped, skip)
			continue
		}
		result.Installed = append(result.Installed, name)
		result.Specs = append(result.Specs, spec)
	}

	m.logger.Info("Installed triggers", "installed", len(result.Installed), "skipped", len(result.Skipped))
	return result, nil
}

func (m *Manager) installTable(ctx context.Context, name string) (TableSpec, *probeerr.SchemaError) {
	spec, err := m.DescribeTable(ctx, name)
	if err != nil {
		var se *probeerr.SchemaError
		if errors.As(err, &se) {
			return spec, se
		}
		return spec, &probeerr.SchemaError{Table: name, Reason: "failed to read metadata", Err: err}
	}
	if !spec.HasPrimaryKey() {
		return spec, &probeerr.SchemaError{Table: name, Reason: "no primary key"}
	}
	for _, stmt := range m.dialect.CompileTriggers(spec) {
		if err := m.exec(ctx, stmt); err != nil {
			return spec, &probeerr.SchemaError{Table: name, Reason: "failed to install triggers", Err: err}
		}
	}
	m.logger.Debug("Installed triggers", "table", name, "primaryKey", len(spec.PrimaryKey()))
	return spec, nil
}

// resolveTables matches requested names against the catalog, ignoring case
func (m *Manager) resolveTables(ctx context.Context, requested []string) ([]string, []string, error) {
	discovered, err := m.DiscoverTables(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(requested) == 0 {
		return discovered, nil, nil
	}

	var resolved, missing []string
	seen := map[string]bool{}
	for _, want := range requested {
		found := ""
		for _, have := range discovered {
			if strings.EqualFold(want, have) {
				found = have
				break
			}
		}
		switch {
		case found == "":
			missing = append(missing, want)
		case !seen[found]:
			seen[found] = true
			resolved = append(resolved, found)
		}
	}
	return resolved, missing, nil
}

// ValidateInstallation checks the change-log and the triggers of each table.
// Mismatches are reported in the Report; only metadata query failures return an error.
func (m *Manager) ValidateInstallation(ctx context.Context, tables []string) (Report, error) {
	var report Report

	cl, err := m.ValidateChangeLog(ctx)
	if err != nil {
		return report, err
	}
	report.ChangeLog = cl

	triggers, err := m.Triggers(ctx)
	if err != nil {
		return report, err
	}
	byName := make(map[string]TriggerInfo, len(triggers))
	for _, t := range triggers {
		byName[strings.ToUpper(t.Name)] = t
	}

	resolved, missing, err := m.resolveTables(ctx, tables)
	if err != nil {
		return report, err
	}
	for _, name := range missing {
		report.Tables = append(report.Tables, TableReport{Table: name, Problems: []string{"table not found"}})
	}

	for _, name := range resolved {
		tr := TableReport{Table: name}
		spec, err := m.DescribeTable(ctx, name)
		if err != nil {
			return report, err
		}
		if !spec.HasPrimaryKey() {
			tr.Excluded = true
			tr.Problems = append(tr.Problems, "no primary key; changes are not captured")
			report.Tables = append(report.Tables, tr)
			continue
		}
		for _, want := range TriggerNames(name) {
			t, ok := byName[want]
			switch {
			case !ok:
				tr.Problems = append(tr.Problems, "missing trigger "+want)
			case !strings.EqualFold(t.Table, name):
				tr.Problems = append(tr.Problems, fmt.Sprintf("trigger %s is attached to %s", want, t.Table))
			case !OwnsTrigger(t.Body):
				tr.Problems = append(tr.Problems, fmt.Sprintf("trigger %s does not write to the change-log", want))
			}
		}
		tr.OK = len(tr.Problems) == 0
		report.Tables = append(report.Tables, tr)
	}

	sort.SliceStable(report.Tables, func(i, j int) bool { return report.Tables[i].Table < report.Tables[j].Table })
	return report, nil
}

// ValidateChangeLog checks only the change-log table. Use it when no table is
// captured, since an empty list passed to ValidateInstallation means every table.
func (m *Manager) ValidateChangeLog(ctx context.Context) (ChangeLogReport, error) {
	var report ChangeLogReport

	exists, err := m.ChangeLogExists(ctx)
	if err != nil {
		return report, err
	}
	report.Exists = exists
	if !exists {
		report.Problems = append(report.Problems, "change-log table is missing")
	} else {
		report.Problems = m.checkChangeLogShape(ctx)
	}
	report.OK = len(report.Problems) == 0
	return report, nil
}

// checkChangeLogShape compares the change-log columns with the expected set
func (m *Manager) checkChangeLogShape(ctx context.Context) []string {
	spec, err := m.DescribeTable(ctx, m.dialect.Fold(ChangeLogTable))
	if err != nil {
		return []string{"cannot read change-log columns: " + err.Error()}
	}
	have := map[string]bool{}
	for _, c := range spec.Columns {
		have[strings.ToUpper(c.Name)] = true
	}

	var problems []string
	for _, want := range ChangeLogColumns {
		if !have[want] {
			problems = append(problems, "missing column "+want)
		}
		delete(have, want)
	}
	extra := make([]string, 0, len(have))
	for name := range have {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		problems = append(problems, "unexpected column "+name)
	}
	return problems
}

func (m *Manager) exec(ctx context.Context, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	if _, err := m.conn.ExecContext(ctx, stmt); err != nil {
		m.logger.Debug("Statement failed", "statement", stmt, "error", err)
		return err
	}
	return nil
}
