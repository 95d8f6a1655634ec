package affine

import (
	"fmt"
	"io"

	"github.com/stjordanis/gpuocelot/internal/ir"
)

// WriteTo writes a listing of the invariant and affine sets, one value
// per line in arena order. Implements io.WriterTo.
func (s *InstructionSet) WriteTo(w io.Writer) (int64, error) {
	var total int64

	write := func(format string, args ...any) error {
		n, err := fmt.Fprintf(w, format, args...)
		total += int64(n)
		return err
	}

	if err := write("Thread-Invariant values:\n"); err != nil {
		return total, err
	}
	for h := ir.Handle(0); int(h) < s.graph.Len(); h++ {
		if _, ok := s.invariant[h]; ok {
			if err := write("  %s\n", s.graph.Describe(h)); err != nil {
				return total, err
			}
		}
	}

	if err := write("Affine values:\n"); err != nil {
		return total, err
	}
	for h := ir.Handle(0); int(h) < s.graph.Len(); h++ {
		if _, ok := s.affine[h]; ok {
			if err := write("  %s\n", s.graph.Describe(h)); err != nil {
				return total, err
			}
		}
	}

	return total, nil
}
