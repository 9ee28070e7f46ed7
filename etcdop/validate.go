package etcdop

import (
	"github.com/umisama/go-regexpcache"

	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
)

// pathPattern rejects empty paths and paths containing a null byte, which
// would make prefix arithmetic ambiguous. Consecutive slashes are accepted.
var pathPattern = `^[^\x00]+$`

// ValidatePath fails synchronously (spec §7 "argument validation") when a
// recipe is constructed with an empty or otherwise unusable key path.
func ValidatePath(name, path string) error {
	if path == "" {
		return errors.InvalidArgumentError{Message: name + " must not be empty"}
	}
	if !regexpcache.MustCompile(pathPattern).MatchString(path) {
		return errors.InvalidArgumentError{Message: name + " contains an invalid character"}
	}
	return nil
}
