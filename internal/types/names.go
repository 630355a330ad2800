// Kernel object naming helpers.
//
// Kernel BPF objects carry short fixed-size names and optional bpffs pin
// paths. Chain names are free-form, so kernel-visible names are derived from
// a short content ID instead, keeping them stable across restarts.
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Bounds for kernel-visible identifiers, enforced where names are
// assembled. Exceeding them is an error, never a truncation.
const (
	// ObjNameLen is the kernel BPF object name limit. It counts the
	// terminating NUL of the kernel ABI, so the usable length is one less.
	ObjNameLen = 16

	// PinPathLen bounds the bpffs pin paths stored with a program.
	PinPathLen = 64
)

var (
	// ErrNameTooLong is returned when a kernel object name exceeds ObjNameLen-1.
	ErrNameTooLong = errors.New("object name too long")

	// ErrPathTooLong is returned when a pin path exceeds PinPathLen-1.
	ErrPathTooLong = errors.New("pin path too long")
)

// shortIDBytes is sized so a base58-encoded ID plus a 5-byte prefix always
// fits in ObjNameLen-1.
const shortIDBytes = 7

// ShortID derives a compact, deterministic identifier from an arbitrary
// name. Seven hash bytes encode to at most 10 base58 characters.
func ShortID(name string) string {
	sum := blake3.Sum256([]byte(name))
	return base58.Encode(sum[:shortIDBytes])
}

// ValidateObjName checks a kernel object name against ObjNameLen.
func ValidateObjName(name string) error {
	if len(name) > ObjNameLen-1 {
		return fmt.Errorf("%w: %q is %d chars, max %d", ErrNameTooLong, name,
			len(name), ObjNameLen-1)
	}
	return nil
}

// ValidatePinPath checks a bpffs pin path: absolute and within
// PinPathLen.
func ValidatePinPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("pin path %q is not absolute", path)
	}
	if len(path) > PinPathLen-1 {
		return fmt.Errorf("%w: %q is %d chars, max %d", ErrPathTooLong, path,
			len(path), PinPathLen-1)
	}
	return nil
}

// JoinPin builds a pin path from a bpffs root and components, validating
// the result.
func JoinPin(parts ...string) (string, error) {
	path := strings.Join(parts, "/")
	if err := ValidatePinPath(path); err != nil {
		return "", err
	}
	return path, nil
}
