package poller

import (
	"github.com/cuemby/warren/pkg/codec"
	"github.com/cuemby/warren/pkg/types"
)

func encodePollingMarker(m *types.PollingMarker) ([]byte, error) { return codec.Encode(m) }
func decodePollingMarker(raw []byte) (*types.PollingMarker, error) {
	return codec.Decode[*types.PollingMarker](raw)
}

func decodeKnownFeed(raw []byte) (*types.KnownFeed, error) {
	return codec.Decode[*types.KnownFeed](raw)
}
