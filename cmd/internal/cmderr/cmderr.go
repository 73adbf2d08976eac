// Package cmderr distinguishes CLI usage errors (bad flags/args, where
// cobra's own usage string is worth printing) from p3tap errors (bad
// PCAP, can't bind a port, can't create the sessions directory), which
// shouldn't be followed by a usage dump. Adapted from the teacher's
// cmd/internal/cmderr package.
package cmderr

// P3tapErr wraps any error that already explains itself; the root
// command prints it without also dumping command usage.
type P3tapErr struct {
	Err error
}

func (e P3tapErr) Error() string {
	return e.Err.Error()
}

// Cause satisfies github.com/pkg/errors's causer interface.
func (e P3tapErr) Cause() error {
	return e.Err
}

// Unwrap satisfies errors.Unwrap.
func (e P3tapErr) Unwrap() error {
	return e.Err
}
