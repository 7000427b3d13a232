package search

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/model"
)

func encodeResultSet(set *model.CachedResultSet) ([]byte, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, eris.Wrap(err, "search: encode result set")
	}
	return raw, nil
}

func decodeResultSet(raw []byte) (*model.CachedResultSet, error) {
	var set model.CachedResultSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, eris.Wrap(err, "search: decode result set")
	}
	return &set, nil
}
