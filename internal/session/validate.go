package session

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID checks that a session id is safe to use as a map key and a
// directory name.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid session id %q: must match ^[A-Za-z0-9_-]{1,64}$", id)
	}
	return nil
}
