/*
Package types defines the entities shared by every hub package.

Subscription, FeedToFetch, FeedRecord, FeedEntryRecord, EventToDeliver,
KnownFeed, and PollingMarker are the full persisted state of the hub; no
package outside pkg/storage is allowed to know how they are laid out on disk.
*/
package types
