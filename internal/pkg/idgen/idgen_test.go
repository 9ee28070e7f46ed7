package idgen_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/internal/pkg/idgen"
)

func TestClientID_Unique(t *testing.T) {
	a := idgen.ClientID()
	b := idgen.ClientID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestToken_Shape(t *testing.T) {
	clientID := idgen.ClientID()
	tok, err := idgen.Token(clientID)
	require.NoError(t, err)

	parts := strings.SplitN(tok, ":", 2)
	require.Len(t, parts, 2)
	require.Equal(t, clientID, parts[0])
	require.Len(t, parts[1], idgen.TokenSuffixLength)
}

func TestToken_Unique(t *testing.T) {
	clientID := idgen.ClientID()
	a, err := idgen.Token(clientID)
	require.NoError(t, err)
	b, err := idgen.Token(clientID)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
