// Package primes implements the prime cascade used to size bare-map
// bucket arrays: a fixed table of primes, plus the algorithm that picks
// a bucket count at or above a requested minimum as either a single
// prime or a product of primes from the table. This trades a small
// amount of arithmetic at rehash time for cheap, reasonably uniform
// modulo distribution regardless of how good the caller's hash function
// is, without needing to store a power-of-two mask.
package primes

import "sort"

// Cascade is the fixed, sorted prime table bucket counts are drawn from.
var Cascade = [16]uint64{
	11, 17, 29, 47, 79, 127, 211, 337, 547, 887,
	1433, 2311, 3739, 6053, 9791, 15859,
}

// lastPrime is the table's largest prime: while the remaining factor
// exceeds it, the cascade divides the remainder by it and multiplies it
// into the running product, repeating until the remainder fits in the
// table.
var lastPrime = Cascade[len(Cascade)-1]

// PickBucketCount returns a bucket count greater than or roughly equal
// to minKeys, scaled by inflation (pass 1.0 for the canonical,
// non-inflated behavior). The result is always a single prime or a
// product of primes drawn from Cascade.
func PickBucketCount(minKeys uint64, inflation float64) uint64 {
	remaining := uint64(float64(minKeys) * inflation)
	if remaining == 0 {
		remaining = 1
	}

	product := uint64(1)
	for remaining > lastPrime {
		remaining /= lastPrime
		product *= lastPrime
	}

	idx := sort.Search(len(Cascade), func(i int) bool {
		return Cascade[i] >= remaining
	})
	if idx == len(Cascade) {
		idx = len(Cascade) - 1
	}
	return product * Cascade[idx]
}

// SmallestBucketCount is the bucket count used by a freshly constructed
// or clear_and_shrink'ed map: the smallest prime in the cascade.
const SmallestBucketCount = 11
