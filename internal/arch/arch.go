// Package arch describes the special per-thread arguments a target
// architecture passes into every translated kernel, and whether each
// one varies across the threads of a warp.
//
// The table is static per target. It can be overridden from a YAML
// profile file; unset entries fall back to the built-in defaults.
package arch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ----------------------------------------------------------------------------
// Special argument kinds
// ----------------------------------------------------------------------------

// ArgKind identifies one special per-thread kernel argument.
type ArgKind uint8

const (
	ThreadIDX ArgKind = iota
	ThreadIDY
	ThreadIDZ
	BlockDimX
	BlockDimY
	BlockDimZ
	BlockIDX
	BlockIDY
	BlockIDZ
	GridDimX
	GridDimY
	GridDimZ
	LocalMemPtr
	SharedMemPtr
	ConstMemPtr
	ParamMemPtr
	ThreadDescriptorPtr

	numArgKinds
)

var argKindNames = [numArgKinds]string{
	ThreadIDX:           "tid.x",
	ThreadIDY:           "tid.y",
	ThreadIDZ:           "tid.z",
	BlockDimX:           "ntid.x",
	BlockDimY:           "ntid.y",
	BlockDimZ:           "ntid.z",
	BlockIDX:            "ctaid.x",
	BlockIDY:            "ctaid.y",
	BlockIDZ:            "ctaid.z",
	GridDimX:            "nctaid.x",
	GridDimY:            "nctaid.y",
	GridDimZ:            "nctaid.z",
	LocalMemPtr:         "localMem",
	SharedMemPtr:        "sharedMem",
	ConstMemPtr:         "constMem",
	ParamMemPtr:         "paramMem",
	ThreadDescriptorPtr: "threadDescriptor",
}

func (k ArgKind) String() string {
	if k < numArgKinds {
		return argKindNames[k]
	}
	return "argkind?"
}

// ParseArgKind resolves a name as written in profile and kernel files.
func ParseArgKind(name string) (ArgKind, error) {
	for k, n := range argKindNames {
		if n == name {
			return ArgKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown special argument %q", name)
}

// IsThreadID reports whether the argument is a thread-index component.
func (k ArgKind) IsThreadID() bool {
	return k == ThreadIDX || k == ThreadIDY || k == ThreadIDZ
}

// ----------------------------------------------------------------------------
// Profiles
// ----------------------------------------------------------------------------

// SpecialArg tags one special argument with its per-target variance.
type SpecialArg struct {
	Kind            ArgKind
	VariesPerThread bool
}

// Profile is the per-architecture variance table.
type Profile struct {
	Name string
	Args []SpecialArg
}

// Default returns the built-in profile. Thread-index components, the
// local-memory base and the thread-descriptor pointer are per-thread;
// block index, block and grid dimensions and the remaining memory base
// pointers are identical across the warp.
func Default() Profile {
	varies := map[ArgKind]bool{
		ThreadIDX:           true,
		ThreadIDY:           true,
		ThreadIDZ:           true,
		LocalMemPtr:         true,
		ThreadDescriptorPtr: true,
	}
	p := Profile{Name: "default"}
	for k := ArgKind(0); k < numArgKinds; k++ {
		p.Args = append(p.Args, SpecialArg{Kind: k, VariesPerThread: varies[k]})
	}
	return p
}

// Varies reports the variance flag for a kind. Kinds absent from the
// profile are reported as varying, the conservative answer.
func (p Profile) Varies(kind ArgKind) bool {
	for _, a := range p.Args {
		if a.Kind == kind {
			return a.VariesPerThread
		}
	}
	return true
}

// ----------------------------------------------------------------------------
// Profile files
// ----------------------------------------------------------------------------

// profileFile is the YAML file structure. Only the listed arguments
// override the defaults.
type profileFile struct {
	Name string            `yaml:"name"`
	Args map[string]string `yaml:"arguments"` // name -> "varies" | "uniform"
}

// Parse decodes a profile from YAML, overlaying the defaults.
func Parse(data []byte) (Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Profile{}, fmt.Errorf("parsing architecture profile: %w", err)
	}

	p := Default()
	if f.Name != "" {
		p.Name = f.Name
	}
	for name, variance := range f.Args {
		kind, err := ParseArgKind(name)
		if err != nil {
			return Profile{}, err
		}
		var varies bool
		switch variance {
		case "varies":
			varies = true
		case "uniform":
			varies = false
		default:
			return Profile{}, fmt.Errorf("argument %q: variance must be \"varies\" or \"uniform\", got %q", name, variance)
		}
		for i := range p.Args {
			if p.Args[i].Kind == kind {
				p.Args[i].VariesPerThread = varies
			}
		}
	}
	return p, nil
}

// Load reads a profile file from disk.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	return Parse(data)
}
