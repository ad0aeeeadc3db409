package cmderr

import (
	"errors"
	"fmt"
	"os"
)

// ExitErr carries an explicit exit code for ExitOnErr alongside the cause.
type ExitErr struct {
	Code  int
	Cause error
}

func (x ExitErr) Error() string { return x.Cause.Error() }

// ExitOnErr writes err to os.Stderr and exits with its code, or 1 when the
// error carries none. Does nothing if err is nil.
func ExitOnErr(err error) {
	if err != nil {
		var e ExitErr
		if !errors.As(err, &e) {
			e.Code = 1
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(e.Code)
	}
}
