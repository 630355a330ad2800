package codegen

import "errors"

// Code generation and lifecycle errors.
var (
	// ErrResourceExhausted is returned when the instruction buffer cannot
	// grow further or a computed displacement no longer fits an
	// instruction field.
	ErrResourceExhausted = errors.New("program image resources exhausted")

	// ErrUnresolvedSymbol is returned when a fixup references a function
	// that was never emitted or a kernel function the kernel does not know.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")

	// ErrMissingResource is returned when a fixup references a map that
	// does not exist.
	ErrMissingResource = errors.New("missing resource")

	// ErrCounterOutOfRange is returned for counter indexes past the
	// program's counter count.
	ErrCounterOutOfRange = errors.New("counter index out of range")

	// ErrVerifierRejected is returned when the kernel verifier refused the
	// finalized image. The verifier's own error is wrapped alongside.
	ErrVerifierRejected = errors.New("verifier rejected program")

	// ErrUnsupportedConstruct is returned when a chain contains a rule
	// shape the generator cannot translate.
	ErrUnsupportedConstruct = errors.New("unsupported rule construct")

	// ErrInvalidFormat is returned when persisted program data is
	// malformed or truncated.
	ErrInvalidFormat = errors.New("invalid persisted program format")

	// ErrChainMismatch is returned when a persisted program does not match
	// the structure of the chain it is being bound to.
	ErrChainMismatch = errors.New("chain does not match persisted program")

	// ErrInvalidState is returned when an operation is attempted in the
	// wrong lifecycle state.
	ErrInvalidState = errors.New("invalid program state")

	// ErrAlreadyResolved is returned when fixup resolution is attempted a
	// second time. Resolution mutates the image and is single-use.
	ErrAlreadyResolved = errors.New("fixups already resolved")
)
