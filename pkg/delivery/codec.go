package delivery

import (
	"github.com/cuemby/warren/pkg/codec"
	"github.com/cuemby/warren/pkg/types"
)

func encodeEventToDeliver(e *types.EventToDeliver) ([]byte, error) { return codec.Encode(e) }
func decodeEventToDeliver(raw []byte) (*types.EventToDeliver, error) {
	return codec.Decode[*types.EventToDeliver](raw)
}
