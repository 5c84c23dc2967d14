/*
Package log provides structured logging for the hub using zerolog.

It wraps a single global zerolog.Logger, initialized once via Init, with
component-scoped child loggers (WithComponent, WithTopic, WithSubscription,
WithTask) so every package tags its log lines with enough context to trace
one subscription or one topic's fetch/delivery history across a JSON log
stream without string concatenation.
*/
package log
