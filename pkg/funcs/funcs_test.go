package funcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimesFactorsSemiprime(t *testing.T) {
	out, err := Primes(map[string]any{"arg0": 10001})
	require.NoError(t, err)
	require.Equal(t, []int{73, 137}, out)
}

func TestPrimesRejectsLessThanTwo(t *testing.T) {
	_, err := Primes(map[string]any{"arg0": 1})
	require.Error(t, err)
}

func TestTableInvokeMiss(t *testing.T) {
	table := NewTable()
	_, err := table.Invoke("nope", "nope", nil)
	require.Error(t, err)
}

func TestDefaultTableHasPrimes(t *testing.T) {
	table := DefaultTable()
	out, err := table.Invoke(PrimesSourceFile, PrimesFunctionName, map[string]any{"arg0": 10008})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2, 3, 3, 139}, out)
}
