package kdbview

import (
	"strconv"

	"golang.org/x/exp/slices"
)

// ResultView wraps the rows of one page with the view's schema and the
// display state derived from it: visible columns, display order and
// selection. Filtering and selecting return new views over the same rows.
type ResultView struct {
	page   *Page
	rows   []*Row
	schema *Schema

	displayColumns []string
	sortColumn     string
	selected       []int
	visible        []string
}

func newResultView(page *Page, schema *Schema) *ResultView {
	if schema == nil {
		schema = NewSchema()
	}
	rv := &ResultView{
		page:       page,
		rows:       page.Rows,
		schema:     schema,
		sortColumn: schema.SortColumn,
	}
	rv.visible = rv.visibleColumns()
	return rv
}

// derive returns a view over rows sharing rv's page, schema and display
// state.
func (rv *ResultView) derive(rows []*Row) *ResultView {
	return &ResultView{
		page:           rv.page,
		rows:           rows,
		schema:         rv.schema,
		displayColumns: slices.Clone(rv.displayColumns),
		sortColumn:     rv.sortColumn,
		visible:        rv.visible,
	}
}

// visibleColumns lists the schema columns, in order, that hold a value in
// at least one row.
func (rv *ResultView) visibleColumns() []string {
	seen := make(map[string]bool)
	for _, row := range rv.rows {
		for name, v := range row.Columns(rv.schema) {
			if v != nil {
				seen[name] = true
			}
		}
	}
	var visible []string
	for _, name := range rv.columns() {
		if seen[name] {
			visible = append(visible, name)
		}
	}
	return visible
}

// columns returns key columns followed by the remaining declared columns.
func (rv *ResultView) columns() []string {
	cols := slices.Clone(rv.schema.Keys)
	for _, c := range rv.schema.Columns {
		if !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// Page returns the page the view was built from.
func (rv *ResultView) Page() *Page { return rv.page }

// Schema returns the schema the view derives its columns from.
func (rv *ResultView) Schema() *Schema { return rv.schema }

// Rows returns the rows of the view.
func (rv *ResultView) Rows() []*Row { return rv.rows }

// Len returns the number of rows.
func (rv *ResultView) Len() int { return len(rv.rows) }

// Offset is the server offset of the page.
func (rv *ResultView) Offset() int { return rv.page.Offset }

// TotalRows is the total number of rows in the index.
func (rv *ResultView) TotalRows() int { return rv.page.TotalRows }

// Row returns the i-th row. A negative index returns the first row and an
// index past the end returns the last; nil on an empty view.
func (rv *ResultView) Row(i int) *Row {
	if len(rv.rows) == 0 {
		return nil
	}
	switch {
	case i < 0:
		return rv.rows[0]
	case i >= len(rv.rows):
		return rv.rows[len(rv.rows)-1]
	}
	return rv.rows[i]
}

// First returns the first row, nil on an empty view.
func (rv *ResultView) First() *Row { return rv.Row(-1) }

// Last returns the last row, nil on an empty view.
func (rv *ResultView) Last() *Row { return rv.Row(len(rv.rows)) }

// Range returns the keys of the first and last rows.
func (rv *ResultView) Range() (start, end interface{}) {
	if len(rv.rows) == 0 {
		return nil, nil
	}
	return rv.First().Key, rv.Last().Key
}

// Select returns the value of column in the i-th row.
func (rv *ResultView) Select(i int, column string) interface{} {
	row := rv.Row(i)
	if row == nil {
		return nil
	}
	return row.Select(rv.schema, column)
}

// Cell returns the typed display cell of column in row.
func (rv *ResultView) Cell(row *Row, column string) Cell {
	return rv.schema.Cell(column, row.Select(rv.schema, column))
}

// Facets returns the distinct non-empty values of column, as strings,
// sorted.
func (rv *ResultView) Facets(column string) []string {
	var facets []string
	for _, row := range rv.rows {
		v := row.Select(rv.schema, column)
		if v == nil {
			continue
		}
		if s := stringify(v); s != "" {
			facets = append(facets, s)
		}
	}
	slices.Sort(facets)
	return slices.Compact(facets)
}

// Filter returns the rows matching any of filters. Within a filter every
// column must match. Filtering on a column whose type cannot be compared
// is an error, even when no row would reach the comparison.
func (rv *ResultView) Filter(filters ...Filter) (*ResultView, error) {
	if err := checkFilters(rv.schema, filters); err != nil {
		return nil, err
	}
	var rows []*Row
	for _, row := range rv.rows {
		ok, err := row.Match(rv.schema, filters...)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rv.derive(rows), nil
}

// SortByColumn orders the display columns. Numeric column names sort by
// their number, others by their position among the declared columns,
// undeclared ones after those; descending reverses the order.
func (rv *ResultView) SortByColumn(descending bool) *ResultView {
	cols := rv.DisplayColumns()
	declared := rv.columns()
	position := make(map[string]float64, len(cols))
	for i, c := range cols {
		if n, err := strconv.ParseFloat(c, 64); err == nil {
			position[c] = n
		} else if at := slices.Index(declared, c); at >= 0 {
			position[c] = float64(at)
		} else {
			position[c] = float64(len(declared) + i)
		}
	}
	dir := 1.0
	if descending {
		dir = -1
	}
	sorted := slices.Clone(cols)
	slices.SortStableFunc(sorted, func(a, b string) bool {
		return position[a]*dir < position[b]*dir
	})
	rv.displayColumns = sorted
	return rv
}

// SortByValue orders the rows with less. A nil less sorts by numeric
// value, largest first.
func (rv *ResultView) SortByValue(less func(a, b *Row) bool) *ResultView {
	if less == nil {
		less = func(a, b *Row) bool {
			x, _ := toNumber(a.Value)
			y, _ := toNumber(b.Value)
			return x > y
		}
	}
	rows := slices.Clone(rv.rows)
	slices.SortStableFunc(rows, less)
	rv.rows = rows
	return rv
}

// Selected returns a view over the selected rows. Indices given replace
// the selection, which then sticks to the view; without indices the
// previous selection applies. With no selection the view is returned.
func (rv *ResultView) Selected(indices ...int) *ResultView {
	if len(indices) > 0 {
		rv.selected = slices.Clone(indices)
	}
	if len(rv.selected) == 0 {
		return rv
	}
	rows := make([]*Row, 0, len(rv.selected))
	for _, i := range rv.selected {
		if row := rv.Row(i); row != nil {
			rows = append(rows, row)
		}
	}
	return rv.derive(rows)
}

// Selection returns the selected row indices.
func (rv *ResultView) Selection() []int { return slices.Clone(rv.selected) }

// ClearSelection drops the selection.
func (rv *ResultView) ClearSelection() { rv.selected = nil }

// DisplayColumns returns the columns in display order, the declared
// columns until SetDisplayColumns or SortByColumn is called.
func (rv *ResultView) DisplayColumns() []string {
	if len(rv.displayColumns) > 0 {
		return slices.Clone(rv.displayColumns)
	}
	return rv.columns()
}

// SetDisplayColumns replaces the display order.
func (rv *ResultView) SetDisplayColumns(cols []string) {
	rv.displayColumns = slices.Clone(cols)
}

// VisibleColumns returns the declared columns that hold a value in at
// least one row of the page.
func (rv *ResultView) VisibleColumns() []string { return slices.Clone(rv.visible) }

// ColumnIndex returns the display position of column, -1 when absent.
func (rv *ResultView) ColumnIndex(column string) int {
	return slices.Index(rv.DisplayColumns(), column)
}

// SortColumn returns the column rows are sorted by.
func (rv *ResultView) SortColumn() string { return rv.sortColumn }

// SetSortColumn changes the sort column.
func (rv *ResultView) SetSortColumn(column string) { rv.sortColumn = column }
