package common

import "fmt"

// Failf builds the canonical replay diagnostic for a trace location. Every
// parse, analysis and replay divergence error funnels through this so stderr
// output keeps the "<file>:<line>: FAIL: ..." shape tooling greps for.
func Failf(file string, line int, format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: FAIL: %s", file, line, fmt.Sprintf(format, args...))
}
