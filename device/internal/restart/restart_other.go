//go:build windows || js

package restart

import "errors"

func execve(string, []string, []string) error {
	return errors.New("process replacement is not supported on this platform")
}
