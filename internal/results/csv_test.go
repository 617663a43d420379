package results

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTable = `co2 emissions by region
region,sector,total,2020,2025,2030
USA,electricity,123.5,10,11,12
EU-15,electricity,200,20,21,22
EU-27,transport,300,30,31,32
China,electricity,400,40,41,42
`

func writeTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emissions-tax.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadQueryTable(t *testing.T) {
	chk := require.New(t)

	tab, err := ReadQueryTable(writeTable(t, sampleTable))
	chk.NoError(err)
	chk.Equal("co2 emissions by region", tab.Title)
	chk.Equal([]string{"region", "sector", "total", "2020", "2025", "2030"}, tab.Columns)
	chk.Len(tab.Rows, 4)
	chk.Equal([]int{2020, 2025, 2030}, tab.Years())

	idx, ok := tab.ColumnIndex("total")
	chk.True(ok)
	chk.Equal(2, idx)
	_, ok = tab.ColumnIndex("ghost")
	chk.False(ok)
}

func TestReadQueryTableErrors(t *testing.T) {
	chk := require.New(t)

	_, err := ReadQueryTable(filepath.Join(t.TempDir(), "missing.csv"))
	chk.Error(err)

	_, err = ReadQueryTable(writeTable(t, "title only\n"))
	chk.ErrorContains(err, "no header row")

	_, err = ReadQueryTable(writeTable(t, "title\na,b\n1,2,3\n"))
	chk.Error(err)
}

func TestQueryTableSelect(t *testing.T) {
	chk := require.New(t)

	tab, err := ReadQueryTable(writeTable(t, sampleTable))
	chk.NoError(err)

	rows, err := tab.Select([]Constraint{
		{Column: "region", Op: OpStartsWith, Value: "EU"},
		{Column: "sector", Op: OpEq, Value: "electricity"},
	})
	chk.NoError(err)
	chk.Len(rows, 1)
	chk.Equal("EU-15", rows[0][0])

	rows, err = tab.Select(nil)
	chk.NoError(err)
	chk.Len(rows, 4)

	_, err = tab.Select([]Constraint{{Column: "ghost", Op: OpEq, Value: "x"}})
	chk.ErrorContains(err, `constraint column "ghost"`)
}
