// Package reducer provides the catalog of value combiners used to merge
// emissions that share a key. A reducer is applied as
// existing' = combine(existing, incoming); a reducer must be commutative
// and associative to produce a deterministic result when applied across
// threads and processes in an unspecified order. Overwrite and Keep in
// this catalog are not commutative; see their docs.
package reducer

import "golang.org/x/exp/constraints"

// Combine merges an incoming value into an already-present one and
// returns the merged result. Implementations must not retain either
// argument beyond the call.
type Combine[V any] func(existing, incoming V) V

// Overwrite keeps the most recently applied value. It is NOT commutative:
// its result depends on application order, so it is only safe across
// threads or processes when the caller guarantees that each key is
// emitted from a single source. Historically the default reducer in
// this codebase's lineage; kept for compatibility even though it, like
// Keep, violates the algebraic contract required for distributed
// correctness.
func Overwrite[V any](_, incoming V) V {
	return incoming
}

// Keep discards every value after the first. Semantically "ignore
// incoming". Associative but NOT commutative: the result is whichever
// value was applied first, so when a key receives different values it
// depends on application order.
func Keep[V any](existing, _ V) V {
	return existing
}

// Sum adds incoming into existing. Requires a numeric type with the
// standard additive identity.
func Sum[V constraints.Integer | constraints.Float](existing, incoming V) V {
	return existing + incoming
}

// Min keeps the smaller of the two values.
func Min[V constraints.Ordered](existing, incoming V) V {
	if incoming < existing {
		return incoming
	}
	return existing
}

// Max keeps the larger of the two values.
func Max[V constraints.Ordered](existing, incoming V) V {
	if incoming > existing {
		return incoming
	}
	return existing
}

// Prod multiplies existing by incoming. Requires a numeric type with
// the standard multiplicative identity.
func Prod[V constraints.Integer | constraints.Float](existing, incoming V) V {
	return existing * incoming
}
