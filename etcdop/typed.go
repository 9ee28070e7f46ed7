package etcdop

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/pktcoord/etcdrecipes/internal/pkg/errors"
)

// json is a jsoniter configuration compatible with encoding/json, used for
// the service-instance records (spec §6, "Service instance JSON schema").
// Grounded on internal/pkg/service/common/etcdop/serialization.go, which
// separates encode/decode from the Key/Prefix plumbing so a recipe can swap
// codecs without touching the transaction logic.
var json = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

// EncodeJSON marshals v for storage as an etcd value.
func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Errorf("etcdop: cannot encode value: %w", err)
	}
	return string(b), nil
}

// DecodeJSON unmarshals an etcd value into target.
func DecodeJSON(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return errors.Errorf("etcdop: cannot decode value: %w", err)
	}
	return nil
}
