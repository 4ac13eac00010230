// Package merge implements the MERGE/upsert statement contract that
// sits atop a TransactionMap. SQL parsing, access control and the
// query planner are out of scope for this layer; this package only
// composes the two primitives the statement needs and reclassifies
// the one error case that needs special handling.
package merge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/laura-db/txmap/txmap"
)

// RowSink is the small interface a table exposes to MergeProcessor,
// composed rather than inherited: no base-class state, just the
// operations a row-producing statement needs.
type RowSink interface {
	Table() string
	CreateRows(rows []map[string]any) error
	SetRows(rows []map[string]any)
	GetRows() []map[string]any
}

// UpdateFunc executes a parameterised UPDATE whose WHERE matches
// keyColumns against row, returning the number of rows it affected.
type UpdateFunc func(keyColumns []string, row map[string]any) (affected int, err error)

// InsertFunc validates/converts row per the table schema and adds it,
// returning txmap.ErrDuplicateKey if a unique index already holds an
// equivalent row.
type InsertFunc func(row map[string]any) error

// RowTrigger fires before or after the row is added; returning
// suppress == true for a before-trigger skips the insert entirely.
type RowTrigger func(row map[string]any, before bool) (suppress bool, err error)

// ConflictIndexColumns, given the error InsertFunc returned, reports
// which columns the violated unique index covers — used to decide
// whether a DUPLICATE_KEY should be reclassified as CONCURRENT_UPDATE.
type ConflictIndexColumns func(err error) []string

// MergeProcessor composes the two primitives a MERGE statement needs
// for each input row:
//
//  1. try the parameterised UPDATE; one affected row is a complete
//     upsert-as-update.
//  2. if zero rows were affected, validate/convert and insert the row,
//     firing before/after-row triggers around it.
//
// Access control (INSERT + UPDATE rights) and transactional/caching
// behaviour are the statement layer's responsibility and are not
// re-implemented here.
type MergeProcessor struct {
	Table      string
	KeyColumns []string

	Update UpdateFunc
	Insert InsertFunc

	BeforeRowTrigger RowTrigger
	AfterRowTrigger  RowTrigger

	ConflictIndexColumns ConflictIndexColumns
}

// MergeRow runs the two-step upsert for one input row.
func (p *MergeProcessor) MergeRow(row map[string]any) error {
	affected, err := p.Update(p.KeyColumns, row)
	if err != nil {
		return err
	}
	switch {
	case affected == 1:
		return nil
	case affected > 1:
		return fmt.Errorf("%w: %d rows matched key columns %v", txmap.ErrDuplicateKey, affected, p.KeyColumns)
	}

	if p.BeforeRowTrigger != nil {
		suppress, terr := p.BeforeRowTrigger(row, true)
		if terr != nil {
			return terr
		}
		if suppress {
			return nil
		}
	}

	if err := p.Insert(row); err != nil {
		if errors.Is(err, txmap.ErrDuplicateKey) && p.isKeyPrefixConflict(err) {
			return fmt.Errorf("%w: insert raced a concurrent committer on the key columns", txmap.ErrConcurrentUpdate)
		}
		return err
	}

	if p.AfterRowTrigger != nil {
		if _, terr := p.AfterRowTrigger(row, false); terr != nil {
			return terr
		}
	}
	return nil
}

// isKeyPrefixConflict reclassifies a DUPLICATE_KEY into
// CONCURRENT_UPDATE when the violating index's columns are a prefix of
// the declared key columns: that shape means another committer's
// insert raced this one on the same logical key, not that this row
// genuinely collides with unrelated data.
func (p *MergeProcessor) isKeyPrefixConflict(err error) bool {
	if p.ConflictIndexColumns == nil {
		return false
	}
	cols := p.ConflictIndexColumns(err)
	if len(cols) == 0 || len(cols) > len(p.KeyColumns) {
		return false
	}
	for i, c := range cols {
		if c != p.KeyColumns[i] {
			return false
		}
	}
	return true
}

// Statement is a parsed MERGE statement, kept only so GetPlanSQL can
// reproduce the literal statement text up to whitespace — useful for
// EXPLAIN-style plan output and for round-trip tests.
type Statement struct {
	Table      string
	Columns    []string
	KeyColumns []string
	// Exactly one of Rows or Query is set.
	Rows  [][]string // pre-formatted SQL value literals, one slice per VALUES row
	Query string
}

// GetPlanSQL reproduces the literal MERGE statement text.
func (s Statement) GetPlanSQL() string {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(s.Table)
	b.WriteByte('(')
	b.WriteString(strings.Join(s.Columns, ", "))
	b.WriteByte(')')
	if len(s.KeyColumns) > 0 {
		b.WriteString(" KEY(")
		b.WriteString(strings.Join(s.KeyColumns, ", "))
		b.WriteByte(')')
	}
	if s.Query != "" {
		b.WriteByte(' ')
		b.WriteString(s.Query)
		return b.String()
	}
	b.WriteString(" VALUES ")
	rows := make([]string, len(s.Rows))
	for i, r := range s.Rows {
		rows[i] = "(" + strings.Join(r, ", ") + ")"
	}
	b.WriteString(strings.Join(rows, ", "))
	return b.String()
}
