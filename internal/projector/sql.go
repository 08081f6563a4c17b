package projector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/pbsgestor/internal/store"
)

// Cast guards. A value that does not match stays NULL instead of failing
// the whole view query.
const (
	bigintPattern   = `^-?[0-9]{1,18}$`
	intervalPattern = `^-?([0-9]{1,12}(\.[0-9]{1,6})?|[0-9]{1,9}(:[0-9]{1,2}){1,2}(\.[0-9]{1,6})?)$`
)

// signaturePrefix marks view comments written by the projector.
const signaturePrefix = "pbs_gestor:"

// plan is everything needed to (re)create both views.
type plan struct {
	names         store.Names
	crosstab      string // schema holding crosstab(text, text)
	columns       []Column
	jobColumns    []string
	pivotSQL      string
	jobSQL        string
	signature     string
	resourceAlias map[string]string // pivot column -> job view column
}

func newPlan(names store.Names, crosstabSchema string, columns []Column, jobColumns []string) plan {
	p := plan{
		names:      names,
		crosstab:   crosstabSchema,
		columns:    columns,
		jobColumns: jobColumns,
	}
	p.resourceAlias = aliasColumns(columns, jobColumns)
	p.pivotSQL = p.buildPivotSQL()
	p.jobSQL = p.buildJobSQL()

	sum := sha256.Sum256([]byte(p.pivotSQL + "\n" + p.jobSQL))
	p.signature = signaturePrefix + hex.EncodeToString(sum[:])
	return p
}

// buildPivotSQL returns the CREATE VIEW statement for the crosstab pivot.
func (p plan) buildPivotSQL() string {
	view := p.names.Qualified(p.names.PivotView)

	if len(p.columns) == 0 {
		return fmt.Sprintf("CREATE VIEW %s AS SELECT j.job_id FROM %s j",
			view, p.names.Qualified(p.names.Jobs))
	}

	source := fmt.Sprintf(
		"SELECT job_id, CASE WHEN requested THEN 'r:' ELSE 'u:' END || name, value FROM %s ORDER BY 1, 2",
		p.names.Qualified(p.names.Resources))

	categories := make([]string, len(p.columns))
	for i, c := range p.columns {
		categories[i] = fmt.Sprintf("(%s, %d)", quoteLiteral(c.Resource.Category()), i)
	}
	category := fmt.Sprintf("SELECT c FROM (VALUES %s) AS v(c, o) ORDER BY o",
		strings.Join(categories, ", "))

	def := make([]string, 0, len(p.columns)+1)
	sel := make([]string, 0, len(p.columns)+1)
	def = append(def, "job_id text")
	sel = append(sel, "ct.job_id")
	for _, c := range p.columns {
		ident := pgx.Identifier{c.Name}.Sanitize()
		def = append(def, ident+" text")
		sel = append(sel, castExpr("ct."+ident, c.Type)+" AS "+ident)
	}

	return fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM %s.crosstab(%s, %s) AS ct(%s)",
		view,
		strings.Join(sel, ", "),
		pgx.Identifier{p.crosstab}.Sanitize(),
		quoteLiteral(source),
		quoteLiteral(category),
		strings.Join(def, ", "))
}

// buildJobSQL returns the CREATE VIEW statement joining jobs to the pivot.
func (p plan) buildJobSQL() string {
	sel := make([]string, 0, len(p.jobColumns)+len(p.columns))
	for _, c := range p.jobColumns {
		sel = append(sel, "j."+pgx.Identifier{c}.Sanitize())
	}
	for _, c := range p.columns {
		ident := pgx.Identifier{c.Name}.Sanitize()
		if alias, ok := p.resourceAlias[c.Name]; ok {
			sel = append(sel, "p."+ident+" AS "+pgx.Identifier{alias}.Sanitize())
			continue
		}
		sel = append(sel, "p."+ident)
	}

	return fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM %s j LEFT JOIN %s p ON p.job_id = j.job_id",
		p.names.Qualified(p.names.JobView),
		strings.Join(sel, ", "),
		p.names.Qualified(p.names.Jobs),
		p.names.Qualified(p.names.PivotView))
}

// aliasColumns renames pivot columns that collide with a jobs column to
// <name>_resource, keeping every name in the job view unique.
func aliasColumns(columns []Column, jobColumns []string) map[string]string {
	taken := make(map[string]bool, len(jobColumns)+len(columns))
	for _, c := range jobColumns {
		taken[c] = true
	}
	for _, c := range columns {
		taken[c.Name] = true
	}

	aliases := make(map[string]string)
	jobs := toSet(jobColumns)
	for _, c := range columns {
		if !jobs[c.Name] {
			continue
		}
		base := c.Name + "_resource"
		if len(base) > maxIdentLen {
			base = c.Name[:maxIdentLen-len("_resource")] + "_resource"
		}
		alias := uniqueName(base, taken)
		taken[alias] = true
		aliases[c.Name] = alias
	}
	return aliases
}

func castExpr(expr, typ string) string {
	switch typ {
	case TypeBigint:
		return fmt.Sprintf("CASE WHEN %[1]s ~ %[2]s THEN %[1]s::bigint END", expr, quoteLiteral(bigintPattern))
	case TypeInterval:
		return fmt.Sprintf("CASE WHEN %[1]s ~ %[2]s THEN %[1]s::interval END", expr, quoteLiteral(intervalPattern))
	default:
		return expr
	}
}

// quoteLiteral quotes s as a standard-conforming SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
