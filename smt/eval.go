package smt

import (
	"github.com/pkg/errors"
)

// Eval computes the concrete value of t under m. Every free variable of t
// must be assigned in m. Array terms evaluate to a finite default+writes
// description, which is exact as long as the backing model describes
// arrays the same way.
func Eval(t *Term, m Model) (Value, error) {
	switch t.Kind {
	case KindBoolConst:
		return BoolValue(t.Bool), nil
	case KindBvConst:
		return BvValue(t.Bv), nil
	case KindVar:
		v, ok := m[t.Name]
		if !ok {
			return Value{}, errors.Errorf("model has no assignment for %q", t.Name)
		}
		return v, nil
	}

	args := make([]Value, len(t.Args))
	for i, a := range t.Args {
		v, err := Eval(a, m)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}

	switch t.Kind {
	case KindNot:
		return BoolValue(!args[0].Bool), nil
	case KindAnd:
		for _, a := range args {
			if !a.Bool {
				return BoolValue(false), nil
			}
		}
		return BoolValue(true), nil
	case KindOr:
		for _, a := range args {
			if a.Bool {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil
	case KindImplies:
		return BoolValue(!args[0].Bool || args[1].Bool), nil
	case KindIff:
		return BoolValue(args[0].Bool == args[1].Bool), nil
	case KindIte:
		if args[0].Bool {
			return args[1], nil
		}
		return args[2], nil
	case KindEq:
		return BoolValue(args[0].Equal(args[1])), nil
	case KindAdd:
		out := args[0].Bv.Clone()
		out.Add(out, args[1].Bv)
		return BvValue(out), nil
	case KindSub:
		out := args[0].Bv.Clone()
		out.Sub(out, args[1].Bv)
		return BvValue(out), nil
	case KindMul:
		out := args[0].Bv.Clone()
		out.Mul(out, args[1].Bv)
		return BvValue(out), nil
	case KindULt:
		return BoolValue(args[0].Bv.Lt(args[1].Bv)), nil
	case KindULe:
		return BoolValue(!args[1].Bv.Lt(args[0].Bv)), nil
	case KindSelect:
		return BvValue(args[0].Arr.Get(args[1].Bv)), nil
	case KindStore:
		return ArrValue(args[0].Arr.Set(args[1].Bv, args[2].Bv)), nil
	}
	return Value{}, errors.Errorf("cannot evaluate term kind %d", t.Kind)
}

// EvalBool is Eval restricted to boolean terms.
func EvalBool(t *Term, m Model) (bool, error) {
	v, err := Eval(t, m)
	if err != nil {
		return false, err
	}
	if v.Sort != SortBool {
		return false, errors.Errorf("expected Bool, got %s", v.Sort)
	}
	return v.Bool, nil
}
