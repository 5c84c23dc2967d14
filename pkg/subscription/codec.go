package subscription

import (
	"github.com/cuemby/warren/pkg/codec"
	"github.com/cuemby/warren/pkg/types"
)

func encodeSubscription(sub *types.Subscription) ([]byte, error) {
	return codec.Encode(sub)
}

func decodeSubscription(raw []byte) (*types.Subscription, error) {
	return codec.Decode[*types.Subscription](raw)
}

func encodeKnownFeed(kf *types.KnownFeed) ([]byte, error) {
	return codec.Encode(kf)
}
