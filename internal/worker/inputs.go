package worker

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/mohammad-safakhou/ensemble/internal/params"
	"github.com/mohammad-safakhou/ensemble/internal/store"
)

// TrialDataFile is the per-trial CSV of materialized parameter values,
// written into the trial directory before any step runs.
const TrialDataFile = "trial_data.csv"

// ReadReferenceValues loads the optional reference-inputs CSV: a
// name,value header followed by one row per parameter with that
// parameter's nominal model value. Apply operators that modify a value
// (add, multiply) are applied against these.
func ReadReferenceValues(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference inputs: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read reference inputs %s: %w", path, err)
	}
	if len(rows) == 0 {
		return map[string]float64{}, nil
	}
	out := make(map[string]float64, len(rows)-1)
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("reference inputs %s row %d: want name,value", path, i+1)
		}
		v, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("reference inputs %s row %d: %w", path, i+1, err)
		}
		out[row[0]] = v
	}
	return out, nil
}

// MaterializeInputs applies each stored draw to its reference value,
// clamps into the declared bounds, and writes the result as
// trial_data.csv in dir. Parameters with no reference value apply against
// zero, which only matters for the multiplicative operators.
func MaterializeInputs(dir string, reference map[string]float64, inputs []store.TrialInput, reg *params.Registry) (map[string]float64, error) {
	if reg == nil {
		reg = params.NewRegistry()
	}
	values := make(map[string]float64, len(inputs))
	for _, in := range inputs {
		original := reference[in.Name]
		v, err := reg.Apply(in.Apply, original, in.Value, in.LowBound, in.HighBound)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", in.Name, err)
		}
		values[in.Name] = v
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, TrialDataFile)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	records := [][]string{{"name", "value"}}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		records = append(records, []string{name, strconv.FormatFloat(values[name], 'g', -1, 64)})
	}
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return values, f.Close()
}
