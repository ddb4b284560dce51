package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/phyrgo/phyr/covar"
	"github.com/phyrgo/phyr/optimize"
	"github.com/phyrgo/phyr/tree"
)

// table is a CSV file with a header line.
type table struct {
	header []string
	rows   [][]string
	index  map[string]int
}

// readTable reads a comma separated file with a header.
func readTable(fn string) (*table, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTable(f)
}

func parseTable(rd io.Reader) (*table, error) {
	r := csv.NewReader(rd)
	r.TrimLeadingSpace = true
	r.Comment = '#'
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("table has no data rows")
	}
	t := &table{
		header: records[0],
		rows:   records[1:],
		index:  make(map[string]int, len(records[0])),
	}
	for i, name := range t.header {
		if _, ok := t.index[name]; ok {
			return nil, fmt.Errorf("duplicate column %s", name)
		}
		t.index[name] = i
	}
	return t, nil
}

func (t *table) len() int {
	return len(t.rows)
}

// strings returns a column.
func (t *table) strings(name string) ([]string, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("no column %s", name)
	}
	col := make([]string, len(t.rows))
	for k, row := range t.rows {
		col[k] = row[i]
	}
	return col, nil
}

// floats returns a numeric column. Empty cells and NA are errors.
func (t *table) floats(name string) ([]float64, error) {
	s, err := t.strings(name)
	if err != nil {
		return nil, err
	}
	col := make([]float64, len(s))
	for k, v := range s {
		col[k], err = strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("column %s, row %d: %v", name, k+1, err)
		}
	}
	return col, nil
}

// readCovariance reads a labelled square matrix in CSV format: the
// header holds the labels after an empty corner cell and every row
// starts with its label.
func readCovariance(fn string) (*covar.Matrix, error) {
	t, err := readTable(fn)
	if err != nil {
		return nil, err
	}
	labels := t.header[1:]
	if len(t.rows) != len(labels) {
		return nil, fmt.Errorf("%s: %d rows for %d columns", fn, len(t.rows), len(labels))
	}
	data := make([]float64, 0, len(labels)*len(labels))
	for i, row := range t.rows {
		if row[0] != labels[i] {
			return nil, fmt.Errorf("%s: row %d is %s, expected %s", fn, i+1, row[0], labels[i])
		}
		for _, v := range row[1:] {
			x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %s: %v", fn, row[0], err)
			}
			data = append(data, x)
		}
	}
	return covar.FromDense(labels, data)
}

// readTree reads a newick tree.
func readTree(fn string) (*tree.Tree, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := tree.ParseNewick(f)
	if err != nil {
		return nil, err
	}
	log.Infof("Read tree with %d tips, height %g", t.NTips(), t.Height())
	log.Debugf("intree=%s", t)
	log.Debug(t.FullString())
	if !t.IsUltrametric(1e-6) {
		log.Warning("Tree is not ultrametric")
	}
	return t, nil
}

// lastLine returns the last line of a file content.
func lastLine(fn string) (line string, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return line, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line = scanner.Text()
	}
	err = scanner.Err()
	return line, err
}

// readStart reads starting values from the last line of a file.
func readStart(fn string) ([]float64, error) {
	l, err := lastLine(fn)
	if err != nil {
		return nil, err
	}
	return optimize.ReadFloats(l)
}

// runKey names a checkpoint run by the seed and a digest of the input
// files and the settings, so that changed inputs start a new run.
func runKey(name string, seed int64, files []string, settings ...interface{}) (string, error) {
	d := xxhash.New()
	for _, fn := range files {
		b, err := os.ReadFile(fn)
		if err != nil {
			return "", err
		}
		d.Write(b)
		d.WriteString("\x00")
	}
	fmt.Fprintf(d, "%#v", settings)
	return fmt.Sprintf("%s-%d-%016x", name, seed, d.Sum64()), nil
}

// splitPair splits "name:value" arguments.
func splitPair(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected name:value, got %q", s)
	}
	return parts[0], parts[1], nil
}
