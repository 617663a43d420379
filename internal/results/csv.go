package results

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var yearColumn = regexp.MustCompile(`^\d{4}$`)

// QueryTable is one parsed query-output CSV. The first line of the file
// is a free-form title, the second the column header, the rest data rows.
type QueryTable struct {
	Title   string
	Columns []string
	Rows    [][]string

	index map[string]int
	years []yearCol
}

type yearCol struct {
	year int
	col  int
}

// ReadQueryTable parses a query-output CSV from disk.
func ReadQueryTable(path string) (*QueryTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open query output: %w", err)
	}
	defer f.Close()

	t, err := parseQueryTable(f)
	if err != nil {
		return nil, fmt.Errorf("query output %s: %w", path, err)
	}
	return t, nil
}

func parseQueryTable(r io.Reader) (*QueryTable, error) {
	br := bufio.NewReader(r)
	title, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read title line: %w", err)
	}

	cr := csv.NewReader(br)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse rows: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no header row")
	}

	t := &QueryTable{
		Title:   strings.TrimSpace(title),
		Columns: records[0],
		Rows:    records[1:],
		index:   make(map[string]int, len(records[0])),
	}
	for i, name := range t.Columns {
		name = strings.TrimSpace(name)
		t.Columns[i] = name
		t.index[name] = i
		if yearColumn.MatchString(name) {
			y, _ := strconv.Atoi(name)
			t.years = append(t.years, yearCol{year: y, col: i})
		}
	}
	return t, nil
}

// ColumnIndex returns the position of a named column.
func (t *QueryTable) ColumnIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Years lists the years covered by the table's year columns, in header order.
func (t *QueryTable) Years() []int {
	out := make([]int, len(t.years))
	for i, yc := range t.years {
		out[i] = yc.year
	}
	return out
}

// Select returns the rows matching every constraint. Constraints that
// name a column the table lacks are an error.
func (t *QueryTable) Select(constraints []Constraint) ([][]string, error) {
	cols := make([]int, len(constraints))
	for i, c := range constraints {
		idx, ok := t.ColumnIndex(c.Column)
		if !ok {
			return nil, fmt.Errorf("constraint column %q not in table", c.Column)
		}
		cols[i] = idx
	}

	var out [][]string
	for _, row := range t.Rows {
		match := true
		for i, c := range constraints {
			if cols[i] >= len(row) || !c.Match(strings.TrimSpace(row[cols[i]])) {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *QueryTable) cell(row []string, col int) (float64, error) {
	if col >= len(row) {
		return 0, fmt.Errorf("row too short for column %d", col)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
	if err != nil {
		return 0, fmt.Errorf("column %q: %w", t.Columns[col], err)
	}
	return v, nil
}
