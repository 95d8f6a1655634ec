package affine

import "github.com/stjordanis/gpuocelot/internal/ir"

// Test-only views of the classification store, used to verify set
// disjointness and the exact caching contract.

func (s *InstructionSet) invariantMembers() map[ir.Handle]struct{} { return s.invariant }
func (s *InstructionSet) affineMembers() map[ir.Handle]struct{}    { return s.affine }
func (s *InstructionSet) variantMembers() map[ir.Handle]struct{}   { return s.variant }
func (s *InstructionSet) threadIDMembers() map[ir.Handle]struct{}  { return s.threadIDs }
