//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminism is the property-based counterpart of P1
// (determinism): canonicalizing the same logical value twice must produce
// byte-equal output, since every downstream idempotency guarantee (replay
// fingerprinting, hash-chain payload commitment, cached-response
// round-tripping) is built on top of this property holding for arbitrary
// request/response shapes, not just the fixed examples in jcs_test.go.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalization of the same value is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			out1, err1 := CanonicalString(obj)
			out2, err2 := CanonicalString(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return out1 == out2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("key order never changes canonical output", prop.ForAll(
		func(a, b, c string) bool {
			forward := map[string]interface{}{"a": a, "b": b, "c": c}
			// Go map iteration order is randomized at runtime already, so
			// re-marshaling the same logical map repeatedly exercises
			// whatever nondeterminism insertion order could otherwise leak.
			out1, err1 := CanonicalString(forward)
			out2, err2 := CanonicalString(map[string]interface{}{"c": c, "a": a, "b": b})
			if err1 != nil || err2 != nil {
				return false
			}
			return out1 == out2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
