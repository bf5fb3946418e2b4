package spec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"go-prover/program"
	"go-prover/smt"
)

type EffectKind int

const (
	// EffectExec runs the real callee code.
	EffectExec EffectKind = iota + 1
	// EffectAlways substitutes a fixed return value and no state change.
	EffectAlways
	// EffectNondet substitutes an unconstrained return value and no state
	// change.
	EffectNondet
	// EffectHavoc havocs external state and returns an unconstrained
	// value.
	EffectHavoc
	// EffectDispatch tries every statically enumerable implementation as a
	// distinct execution branch.
	EffectDispatch
)

func (k EffectKind) String() string {
	switch k {
	case EffectExec:
		return "EXEC"
	case EffectAlways:
		return "ALWAYS"
	case EffectNondet:
		return "NONDET"
	case EffectHavoc:
		return "HAVOC"
	case EffectDispatch:
		return "DISPATCH"
	}
	return "?"
}

// SummaryEntry substitutes an effect for matching call sites. A nil
// Receiver is the wildcard: it applies to the signature on any contract
// and loses to an exact entry for the same call.
type SummaryEntry struct {
	Receiver   *common.Address
	Signature  string
	Visibility string

	Effect EffectKind
	Value  *smt.Term // EffectAlways

	// ReturnSort is the concrete return type an exact entry declares.
	// Wildcard entries must leave it unset and carry Expect instead: the
	// sort the summarized value is converted to at each applying site.
	ReturnSort smt.Sort
	Expect     smt.Sort
	HasReturn  bool
}

func (e *SummaryEntry) Wildcard() bool { return e.Receiver == nil }

func (e *SummaryEntry) String() string {
	recv := "_"
	if e.Receiver != nil {
		recv = e.Receiver.Hex()
	}
	return fmt.Sprintf("%s.%s => %s", recv, e.Signature, e.Effect)
}

func (e *SummaryEntry) matches(call *program.CallSite) bool {
	if e.Signature != call.Signature {
		return false
	}
	if e.Visibility != "" && call.Visibility != "" && e.Visibility != call.Visibility {
		return false
	}
	return true
}

// Resolution is the effect chosen for one call site.
type Resolution struct {
	Effect  EffectKind
	Entry   *SummaryEntry
	Targets []*program.Contract
	// FullHavoc marks the default for a call nothing matched and nothing
	// could statically resolve.
	FullHavoc bool
	// AutoDispatch marks a dispatch the resolver synthesized under the
	// auto-dispatch policy rather than read from a declared entry.
	AutoDispatch bool
}

// Summaries is the summary table of one specification.
type Summaries struct {
	Entries []*SummaryEntry
	// RecursionLimit bounds how often one summary may re-enter itself.
	RecursionLimit int
	// OptimisticRecursion assumes, rather than asserts, that the limit is
	// never exceeded. Unsound; off by default.
	OptimisticRecursion bool
}

func NewSummaries(entries ...*SummaryEntry) *Summaries {
	return &Summaries{Entries: entries, RecursionLimit: 2}
}

// Validate rejects ambiguous tables before any solving: two exact entries
// for one signature+receiver, and wildcard entries declaring a concrete
// return type.
func (s *Summaries) Validate() error {
	exact := make(map[string]*SummaryEntry)
	for _, e := range s.Entries {
		if e.Wildcard() {
			if e.ReturnSort != 0 {
				return &ConfigError{
					Unit:   e.String(),
					Reason: "wildcard summary must not declare a concrete return type; declare an expectation instead",
				}
			}
			continue
		}
		key := e.Receiver.Hex() + ":" + e.Signature + ":" + e.Visibility
		if prev, ok := exact[key]; ok {
			return &ConfigError{
				Unit:   e.String(),
				Reason: "duplicate exact summary, already declared as " + prev.String(),
			}
		}
		exact[key] = e
	}
	return nil
}

// Resolve picks the effect for a call site: exact entries beat wildcard
// entries for the same signature; with no entry, a statically known callee
// runs its real code, and an unknown callee defaults to full havoc unless
// the auto-dispatch policy synthesizes a case split over every
// implementation of the signature.
func (s *Summaries) Resolve(call *program.CallSite, st *program.SymbolTable, autoDispatch bool) (*Resolution, error) {
	var exact, wild *SummaryEntry
	for _, e := range s.Entries {
		if !e.matches(call) {
			continue
		}
		if e.Wildcard() {
			wild = e
			continue
		}
		if call.Receiver != nil && *e.Receiver == *call.Receiver {
			exact = e
		}
	}

	entry := exact
	if entry == nil {
		entry = wild
	}
	if entry != nil {
		res := &Resolution{Effect: entry.Effect, Entry: entry}
		if entry.Effect == EffectDispatch || entry.Effect == EffectExec {
			targets, err := s.execTargets(call, st)
			if err != nil {
				return nil, err
			}
			res.Targets = targets
		}
		return res, nil
	}

	if call.Receiver != nil {
		c, ok := st.ByAddress(*call.Receiver)
		if !ok {
			return nil, &ConfigError{
				Unit:   call.Signature,
				Reason: "call receiver " + call.Receiver.Hex() + " is not in the symbol table",
			}
		}
		if _, ok := c.Method(call.Signature); !ok {
			return nil, &ConfigError{
				Unit:   call.Signature,
				Reason: "receiver " + c.Name + " does not implement the called method",
			}
		}
		return &Resolution{Effect: EffectExec, Targets: []*program.Contract{c}}, nil
	}

	if autoDispatch {
		targets := st.Implementations(call.Signature)
		if len(targets) > 0 {
			return &Resolution{Effect: EffectDispatch, Targets: targets, AutoDispatch: true}, nil
		}
	}
	return &Resolution{Effect: EffectHavoc, FullHavoc: true}, nil
}

func (s *Summaries) execTargets(call *program.CallSite, st *program.SymbolTable) ([]*program.Contract, error) {
	if call.Receiver != nil {
		c, ok := st.ByAddress(*call.Receiver)
		if ok {
			_, ok = c.Method(call.Signature)
		}
		if !ok {
			return nil, &ConfigError{
				Unit:   call.Signature,
				Reason: "summarized callee cannot be resolved to real code",
			}
		}
		return []*program.Contract{c}, nil
	}
	targets := st.Implementations(call.Signature)
	if len(targets) == 0 {
		return nil, &ConfigError{
			Unit:   call.Signature,
			Reason: "no implementation of the summarized signature is known",
		}
	}
	return targets, nil
}
