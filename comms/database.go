package comms

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// DatabaseSettings is the typed configuration of a database communication
// method (PostgreSQL over the pgx stdlib driver).
type DatabaseSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode,omitempty"`
}

type databaseExecutor struct {
	settings DatabaseSettings
}

func newDatabaseExecutor(raw json.RawMessage) (*databaseExecutor, error) {
	var settings DatabaseSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed database settings"), errors.KindValidation)
	}
	if settings.Host == "" || settings.Database == "" {
		return nil, errors.Markf(errors.KindValidation, "database settings need host and database")
	}
	if settings.Port == 0 {
		settings.Port = 5432
	}
	if settings.SSLMode == "" {
		settings.SSLMode = "prefer"
	}
	return &databaseExecutor{settings: settings}, nil
}

func (e *databaseExecutor) Kind() target.MethodKind { return target.MethodDatabase }

func (e *databaseExecutor) Execute(ctx context.Context, action job.Action, cred *target.Credential) (Result, error) {
	if action.Type != job.ActionSQLQuery && action.Type != job.ActionCommand {
		return Result{}, unsupportedAction("database", action)
	}

	var params SQLQueryParams
	if err := decodeParams(action, &params); err != nil {
		return Result{}, err
	}
	if params.Statement == "" {
		return Result{}, errors.Markf(errors.KindValidation, "sql_query action missing statement")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cred.Username), url.QueryEscape(cred.Secret),
		e.settings.Host, e.settings.Port, e.settings.Database, e.settings.SSLMode)

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "failed to open database connection"), errors.KindCommunication)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		if strings.Contains(err.Error(), "password authentication failed") ||
			strings.Contains(err.Error(), "28P01") {
			return Result{}, errors.Mark(errors.Wrapf(err, "database authentication to %s failed", e.settings.Host), errors.KindAuthentication)
		}
		return Result{}, errors.Mark(errors.Wrapf(err, "database connect to %s failed", e.settings.Host), errors.KindCommunication)
	}

	if params.Query {
		return e.query(ctx, conn, params.Statement)
	}
	return e.exec(ctx, conn, params.Statement)
}

func (e *databaseExecutor) exec(ctx context.Context, conn *sql.DB, statement string) (Result, error) {
	res, err := conn.ExecContext(ctx, statement)
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrap(err, "statement failed"), errors.KindCommandExecution)
	}
	affected, _ := res.RowsAffected()
	return Result{Output: fmt.Sprintf("%d rows affected", affected)}, nil
}

func (e *databaseExecutor) query(ctx context.Context, conn *sql.DB, statement string) (Result, error) {
	rows, err := conn.QueryContext(ctx, statement)
	if err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrap(err, "query failed"), errors.KindCommandExecution)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "failed to read result columns"), errors.KindCommandExecution)
	}

	var out strings.Builder
	out.WriteString(strings.Join(cols, "\t"))
	out.WriteByte('\n')

	values := make([]sql.NullString, len(cols))
	targets := make([]interface{}, len(cols))
	for i := range values {
		targets[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(targets...); err != nil {
			return Result{}, errors.Mark(errors.Wrap(err, "failed to scan result row"), errors.KindCommandExecution)
		}
		fields := make([]string, len(values))
		for i, v := range values {
			if v.Valid {
				fields[i] = v.String
			}
		}
		out.WriteString(strings.Join(fields, "\t"))
		out.WriteByte('\n')
		count++
	}
	if err := rows.Err(); err != nil {
		if cerr := ctxError(ctx, err); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, errors.Mark(errors.Wrap(err, "error iterating result rows"), errors.KindCommandExecution)
	}

	return Result{Output: out.String()}, nil
}
