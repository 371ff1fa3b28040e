package immix

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrExhausted is returned by block acquisition when both the free and recyclable pools are
// empty. It is not a failure in itself: the caller is expected to trigger a collection cycle
// and retry.
var ErrExhausted error = errors.New("no blocks available for allocation")

// ErrOutOfMemory is returned when an allocation still cannot be satisfied immediately after
// a collection cycle. It is fatal from the mutator's perspective and must not be retried.
var ErrOutOfMemory error = errors.New("heap exhausted after collection cycle")

// ErrObjectTooLarge is returned for allocation requests that exceed a block's usable
// capacity. Objects of that size belong to a large-object space, which is outside this
// module's responsibility.
var ErrObjectTooLarge error = errors.New("object exceeds block capacity")
