//go:build !unix

package httpcore

import "fmt"

func dropPrivileges(username string) error {
	return fmt.Errorf("%w: dropping privileges to %q is unsupported on this platform", ErrConfiguration, username)
}
