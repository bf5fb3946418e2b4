package spec

import (
	"go-prover/program"
)

type HookKind int

const (
	// HookSload and HookSstore match loads/stores of one resolved access
	// path.
	HookSload HookKind = iota + 1
	HookSstore
	// HookOpcode matches every instruction with the given opcode,
	// regardless of the touched location.
	HookOpcode
)

func (k HookKind) String() string {
	switch k {
	case HookSload:
		return "Sload"
	case HookSstore:
		return "Sstore"
	case HookOpcode:
		return "opcode"
	}
	return "?"
}

// HookBinding attaches a statement body to a storage-access or opcode
// pattern. ValueVar receives the observed value; OldVar, store hooks only,
// receives the value the store overwrites. The body runs inline after the
// matched instruction and is itself exempt from further hook matching.
type HookBinding struct {
	Name   string
	Kind   HookKind
	Path   *program.AccessPath // HookSload / HookSstore
	Opcode program.Opcode      // HookOpcode

	ValueVar string
	OldVar   string

	Body []*program.Instruction
}

// GhostsWritten lists the ghost names the hook body stores to, used to
// decide which rules an unresolvable hook affects.
func (h *HookBinding) GhostsWritten() map[string]bool {
	out := make(map[string]bool)
	for _, ins := range h.Body {
		if ins.Op == program.OpGhostStore {
			out[ins.Ghost] = true
		}
	}
	return out
}

// ValidateHooks rejects two declarations sharing one resolved access path
// and instruction kind, and opcode hooks on anything but the storage
// opcodes they can observe. Paths must already be resolved; unresolved
// hooks are the instrumenter's concern, not a configuration error.
func ValidateHooks(hooks []*HookBinding) error {
	seen := make(map[string]*HookBinding)
	for _, h := range hooks {
		if h.Kind == HookOpcode {
			if h.Opcode != program.OpSload && h.Opcode != program.OpSstore {
				return &ConfigError{
					Unit:   h.Name,
					Reason: "opcode hooks match storage loads and stores only",
				}
			}
			key := "op:" + h.Opcode.String()
			if prev, ok := seen[key]; ok {
				return &ConfigError{
					Unit:   h.Name,
					Reason: "duplicate opcode hook, already declared by " + prev.Name,
				}
			}
			seen[key] = h
			continue
		}
		key := h.Kind.String() + ":" + h.Path.Canonical()
		if prev, ok := seen[key]; ok {
			return &ConfigError{
				Unit:   h.Name,
				Reason: "hook resolves to the same location and kind as " + prev.Name,
			}
		}
		seen[key] = h
	}
	return nil
}
