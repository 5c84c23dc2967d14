package fetch

import (
	"github.com/cuemby/warren/pkg/codec"
	"github.com/cuemby/warren/pkg/types"
)

func encodeFeedToFetch(f *types.FeedToFetch) ([]byte, error) { return codec.Encode(f) }
func decodeFeedToFetch(raw []byte) (*types.FeedToFetch, error) {
	return codec.Decode[*types.FeedToFetch](raw)
}

func encodeKnownFeed(k *types.KnownFeed) ([]byte, error) { return codec.Encode(k) }

func encodeFeedRecord(f *types.FeedRecord) ([]byte, error) { return codec.Encode(f) }
func decodeFeedRecord(raw []byte) (*types.FeedRecord, error) {
	return codec.Decode[*types.FeedRecord](raw)
}

func encodeFeedEntryRecord(f *types.FeedEntryRecord) ([]byte, error) { return codec.Encode(f) }
func decodeFeedEntryRecord(raw []byte) (*types.FeedEntryRecord, error) {
	return codec.Decode[*types.FeedEntryRecord](raw)
}

func encodeEventToDeliver(e *types.EventToDeliver) ([]byte, error) { return codec.Encode(e) }
