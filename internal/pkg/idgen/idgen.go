// Package idgen generates the unique identifiers the recipes write into
// Store values: per-process client IDs and the "<clientId>:<rand9>" tokens
// recipes use to prove which process wrote a given key.
//
// Grounded on internal/pkg/idgenerator/idgenerator.go, which generates
// fixed-length IDs from an explicit alphabet via go-nanoid; the 9-character
// random suffix required by the token format is generated the same way.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/gofrs/uuid/v5"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// TokenSuffixLength is the length of the "rand9" component of a unique
// token, per the DATA MODEL section: "<clientId>:<rand9>".
const TokenSuffixLength = 9

// ClientID returns a process-wide unique identifier suitable for the
// "<clientId>" component of a unique token. It is a random v4 UUID: unlike
// the nanoid alphabet used for the token suffix, the client ID never has to
// be short, only universally unique for the lifetime of the process.
func ClientID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure is not recoverable; a random client ID is
		// required for the uniqueness guarantees this package exists for.
		panic(fmt.Errorf("idgen: cannot generate client id: %w", err))
	}
	return id.String()
}

// Token returns a new unique token "<clientID>:<rand9>", the value recipes
// write to prove ownership of a key (DATA MODEL, "Unique token").
func Token(clientID string) (string, error) {
	suffix, err := gonanoid.Generate(alphabet, TokenSuffixLength)
	if err != nil {
		return "", fmt.Errorf("idgen: cannot generate token suffix: %w", err)
	}
	return clientID + ":" + suffix, nil
}

// InstanceID returns a random identifier for a registered service instance
// (DATA MODEL, "Service instance" key shape "<namesPath>/<name>/<id>").
func InstanceID() (string, error) {
	return gonanoid.Generate(alphabet, 21)
}
