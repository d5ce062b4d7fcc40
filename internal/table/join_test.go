package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgray-lab/pollcount/pkg/types"
)

func TestLeftJoinKeepsEveryLeftRow(t *testing.T) {
	insects := mustTable(t, []string{"DateBlkTrtmnt", "Count"}, [][]string{
		{"01Jun2024-B1-ctrl", "3"},
		{"01Jun2024-B2-herb", "7"},
		{"08Jun2024-B1-ctrl", "0"},
	})
	flowers := mustTable(t, []string{"DateBlkTrtmnt", "FlowerCount"}, [][]string{
		{"01Jun2024-B1-ctrl", "120"},
		{"15Jun2024-B9-none", "999"}, // no left match, must be dropped
	})

	got, err := LeftJoin(insects, flowers, "DateBlkTrtmnt", "DateBlkTrtmnt")
	require.NoError(t, err)

	assert.Equal(t, insects.NumRows(), got.NumRows(),
		"unique right keys: output row count equals left row count")
	assert.Equal(t, []string{"DateBlkTrtmnt", "Count", "FlowerCount"}, got.Columns())

	matched, err := got.Cell(0, "FlowerCount")
	require.NoError(t, err)
	assert.Equal(t, "120", matched)

	unmatched, err := got.Cell(1, "FlowerCount")
	require.NoError(t, err)
	assert.True(t, IsNA(unmatched), "no right match must yield NA")
}

func TestLeftJoinDuplicateRightKeys(t *testing.T) {
	left := mustTable(t, []string{"k", "v"}, [][]string{{"a", "1"}, {"b", "2"}})
	right := mustTable(t, []string{"k", "w"}, [][]string{
		{"a", "x"},
		{"a", "y"},
	})

	got, err := LeftJoin(left, right, "k", "k")
	require.NoError(t, err)

	// "a" matches twice, "b" not at all: 2 + 1 rows.
	assert.Equal(t, 3, got.NumRows())

	w0, _ := got.Cell(0, "w")
	w1, _ := got.Cell(1, "w")
	assert.Equal(t, "x", w0)
	assert.Equal(t, "y", w1)
}

func TestLeftJoinHeterogeneousKeys(t *testing.T) {
	insects := mustTable(t, []string{"Concat_DBT_sp_num", "Count"}, [][]string{
		{"spec-001", "4"},
	})
	specimens := mustTable(t, []string{"DG_Spec_ID_code", "Genus"}, [][]string{
		{"spec-001", "Bombus"},
	})

	got, err := LeftJoin(insects, specimens, "Concat_DBT_sp_num", "DG_Spec_ID_code")
	require.NoError(t, err)
	require.Equal(t, 1, got.NumRows())

	genus, err := got.Cell(0, "Genus")
	require.NoError(t, err)
	assert.Equal(t, "Bombus", genus)
	assert.False(t, got.HasColumn("DG_Spec_ID_code"),
		"right key column is not repeated in the output")
}

func TestLeftJoinSuffixesOverlappingColumns(t *testing.T) {
	left := mustTable(t, []string{"k", "Date"}, [][]string{{"a", "01Jun2024"}})
	right := mustTable(t, []string{"k", "Date"}, [][]string{{"a", "02Jun2024"}})

	got, err := LeftJoin(left, right, "k", "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "Date", "Date.y"}, got.Columns())

	d, _ := got.Cell(0, "Date")
	dy, _ := got.Cell(0, "Date.y")
	assert.Equal(t, "01Jun2024", d)
	assert.Equal(t, "02Jun2024", dy)
}

func TestLeftJoinMissingKeyColumn(t *testing.T) {
	left := mustTable(t, []string{"a"}, nil)
	right := mustTable(t, []string{"b"}, nil)

	_, err := LeftJoin(left, right, "nope", "b")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)

	_, err = LeftJoin(left, right, "a", "nope")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestLeftJoinExactMatchOnly(t *testing.T) {
	left := mustTable(t, []string{"k", "v"}, [][]string{{"01", "x"}})
	right := mustTable(t, []string{"k", "w"}, [][]string{{"1", "y"}}) // "1" != "01"

	got, err := LeftJoin(left, right, "k", "k")
	require.NoError(t, err)

	w, _ := got.Cell(0, "w")
	assert.True(t, IsNA(w), "keys must not be numerically coerced")
}
