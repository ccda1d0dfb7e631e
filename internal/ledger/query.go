package ledger

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/axlab/axsweep/internal/variant"
)

// Filter is a conjunction of predicates over variant records, parsed from
// the report command's compact filter syntax:
//
//	status=success popcount<=2 retries>0 metric.rmse<0.001
//
// Terms are whitespace-separated; each is field, operator, value with no
// inner spaces. Fields: status, popcount, retries, seq, and metric.<name>
// for any stored error metric. Operators: = != < <= > >= (status admits
// only = and !=).
type Filter struct {
	terms []filterTerm
}

type filterTerm struct {
	// column is a trusted SQL fragment: either a fixed column name or a
	// json_extract over a pattern-checked metric name. Values are never
	// part of it; they bind as parameters.
	column string
	op     string
	value  any
}

var (
	filterOps    = []string{"!=", "<=", ">=", "==", "=", "<", ">"}
	metricNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ParseFilter parses the filter syntax. An empty string yields a filter
// that matches everything.
func ParseFilter(s string) (*Filter, error) {
	f := &Filter{}
	for _, tok := range strings.Fields(s) {
		term, err := parseFilterTerm(tok)
		if err != nil {
			return nil, err
		}
		f.terms = append(f.terms, term)
	}
	return f, nil
}

func parseFilterTerm(tok string) (filterTerm, error) {
	var field, op, value string
	for _, candidate := range filterOps {
		if i := strings.Index(tok, candidate); i > 0 {
			field, op, value = tok[:i], candidate, tok[i+len(candidate):]
			break
		}
	}
	if op == "" {
		return filterTerm{}, fmt.Errorf("filter term %q: no operator (use = != < <= > >=)", tok)
	}
	if op == "==" {
		op = "="
	}
	if value == "" {
		return filterTerm{}, fmt.Errorf("filter term %q: missing value", tok)
	}

	switch {
	case field == "status":
		if op != "=" && op != "!=" {
			return filterTerm{}, fmt.Errorf("filter term %q: status admits only = and !=", tok)
		}
		switch Status(value) {
		case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusPruned:
		default:
			return filterTerm{}, fmt.Errorf("filter term %q: unknown status %q", tok, value)
		}
		return filterTerm{column: "status", op: op, value: value}, nil

	case field == "popcount" || field == "retries" || field == "seq":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return filterTerm{}, fmt.Errorf("filter term %q: %s needs an integer value", tok, field)
		}
		return filterTerm{column: field, op: op, value: n}, nil

	case strings.HasPrefix(field, "metric."):
		name := strings.TrimPrefix(field, "metric.")
		if !metricNameRe.MatchString(name) {
			return filterTerm{}, fmt.Errorf("filter term %q: invalid metric name %q", tok, name)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return filterTerm{}, fmt.Errorf("filter term %q: metric comparison needs a numeric value", tok)
		}
		column := fmt.Sprintf("json_extract(metrics, '$.%s')", name)
		return filterTerm{column: column, op: op, value: v}, nil

	default:
		return filterTerm{}, fmt.Errorf("filter term %q: unknown field %q", tok, field)
	}
}

// where compiles the filter to a SQL fragment plus bound parameters. The
// fragment starts with AND so it appends to an existing WHERE clause; an
// empty filter compiles to an empty fragment.
func (f *Filter) where() (string, []any) {
	if f == nil || len(f.terms) == 0 {
		return "", nil
	}
	var b strings.Builder
	params := make([]any, 0, len(f.terms))
	for _, t := range f.terms {
		// A missing metric is NULL in SQLite and NULL never satisfies a
		// comparison, so rows without the metric drop out, as expected.
		fmt.Fprintf(&b, " AND %s %s ?", t.column, t.op)
		params = append(params, t.value)
	}
	return b.String(), params
}

// List returns the source's records matching the filter, in enumeration
// order. limit <= 0 means no limit.
func (l *Ledger) List(ctx context.Context, sourceID variant.ID, f *Filter, limit int) ([]Record, error) {
	where, params := f.where()
	query := `
		SELECT id, source_id, bits, popcount, seq, status, retries, reason, note,
		       artifacts, metrics, created_at, updated_at
		FROM variants
		WHERE source_id = ?` + where + `
		ORDER BY seq ASC, id COLLATE BINARY ASC`
	args := append([]any{string(sourceID)}, params...)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("list", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, ioErr("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list", err)
	}
	return out, nil
}
