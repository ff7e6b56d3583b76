package funcs

import (
	"fmt"

	"github.com/cuemby/clupy/pkg/types"
)

// PrimesSourceFile and PrimesFunctionName name the worked example used
// by the end-to-end scenario in spec.md §8 (primes(10001) -> [73, 137]).
const (
	PrimesSourceFile   = "primes"
	PrimesFunctionName = "primes"
)

// Primes returns the prime factorization of args["arg0"], with
// multiplicity, in ascending order.
func Primes(args map[string]any) (any, error) {
	n, err := intArg(args, "arg0")
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return nil, &types.RemoteExecutionError{Message: fmt.Sprintf("primes: %d has no prime factors", n)}
	}

	var factors []int
	for d := 2; d*d <= n; d++ {
		for n%d == 0 {
			factors = append(factors, d)
			n /= d
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	return factors, nil
}

func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, &types.RemoteExecutionError{Message: fmt.Sprintf("missing argument %q", key)}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, &types.RemoteExecutionError{Message: fmt.Sprintf("argument %q has unexpected type %T", key, v)}
	}
}

// DefaultTable returns a Table with the worked example(s) pre-registered.
func DefaultTable() *Table {
	t := NewTable()
	t.Register(PrimesSourceFile, PrimesFunctionName, Primes)
	return t
}
