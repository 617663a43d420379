package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammad-safakhou/ensemble/internal/store"
)

func writeRef(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reference.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	return path
}

func TestReadReferenceValues(t *testing.T) {
	path := writeRef(t, "name,value\nco2-coef,2.5\nelasticity,-0.3\n")
	ref, err := ReadReferenceValues(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ref["co2-coef"] != 2.5 || ref["elasticity"] != -0.3 {
		t.Fatalf("unexpected values: %v", ref)
	}
}

func TestReadReferenceValuesRejectsBadRows(t *testing.T) {
	if _, err := ReadReferenceValues(writeRef(t, "name,value\nco2-coef,not-a-number\n")); err == nil {
		t.Fatalf("expected error for non-numeric value")
	}
	if _, err := ReadReferenceValues("/does/not/exist.csv"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMaterializeInputsClampsToBounds(t *testing.T) {
	low, high := 0.0, 1.0
	dir := t.TempDir()
	values, err := MaterializeInputs(dir, map[string]float64{"rate": 0.5}, []store.TrialInput{
		{Name: "rate", Apply: "add", Value: 0.9, LowBound: &low, HighBound: &high},
	}, nil)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if values["rate"] != 1.0 {
		t.Fatalf("rate = %v, want clamped 1.0", values["rate"])
	}
	if _, err := os.Stat(filepath.Join(dir, TrialDataFile)); err != nil {
		t.Fatalf("trial data file missing: %v", err)
	}
}

func TestMaterializeInputsUnknownOperator(t *testing.T) {
	_, err := MaterializeInputs(t.TempDir(), nil, []store.TrialInput{
		{Name: "rate", Apply: "frobnicate", Value: 1},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown apply operator")
	}
}
