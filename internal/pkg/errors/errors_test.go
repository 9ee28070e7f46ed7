package errors_test

import (
	"testing"

	stderrors "errors"

	"github.com/stretchr/testify/require"

	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
)

func TestStoreUnavailableError_Unwraps(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := errors.StoreUnavailableError{Cause: cause}
	require.ErrorIs(t, err, cause)
}

func TestMultiError_AggregatesAndIgnoresNil(t *testing.T) {
	m := errors.NewMultiError()
	require.NoError(t, m.ErrorOrNil())

	m.Append(nil)
	require.Equal(t, 0, m.Len())

	m.Append(stderrors.New("first"))
	m.Append(stderrors.New("second"))
	require.Equal(t, 2, m.Len())
	require.Error(t, m.ErrorOrNil())
}

func TestPrefixErrorf_PreservesIs(t *testing.T) {
	cause := stderrors.New("boom")
	err := errors.PrefixErrorf(cause, "operation %s failed", "enqueue")
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "operation enqueue failed")
}
