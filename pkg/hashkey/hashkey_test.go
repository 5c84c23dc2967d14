package hashkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRejectsNonHTTPScheme(t *testing.T) {
	_, err := Normalize("ftp://example.com/feed", false)
	require.Error(t, err)
}

func TestNormalizeRejectsFragment(t *testing.T) {
	_, err := Normalize("http://example.com/feed#section", false)
	require.Error(t, err)
}

func TestNormalizeRejectsDisallowedPortOutsideDevEnv(t *testing.T) {
	_, err := Normalize("http://example.com:9999/feed", false)
	require.Error(t, err)
}

func TestNormalizeAllowsDisallowedPortInDevEnv(t *testing.T) {
	out, err := Normalize("http://example.com:9999/feed", true)
	require.NoError(t, err)
	require.Contains(t, out, ":9999")
}

func TestNormalizeLowercasesHostButPreservesIPLiteral(t *testing.T) {
	out, err := Normalize("http://EXAMPLE.com/feed", false)
	require.NoError(t, err)
	require.Contains(t, out, "example.com")

	out, err = Normalize("http://127.0.0.1:8080/feed", false)
	require.NoError(t, err)
	require.Contains(t, out, "127.0.0.1")
}

func TestNormalizeIsStableForEquivalentInput(t *testing.T) {
	a, err := Normalize("http://Example.com:80/feed", false)
	require.NoError(t, err)
	b, err := Normalize("http://Example.com:80/feed", false)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestTopicAndSubscriptionKeysAreDeterministicAndDistinct(t *testing.T) {
	require.Equal(t, Topic("http://pub.example/feed"), Topic("http://pub.example/feed"))
	require.NotEqual(t, Topic("http://pub.example/feed"), Topic("http://pub.example/other"))

	require.Equal(t,
		Subscription("http://sub.example/cb", "http://pub.example/feed"),
		Subscription("http://sub.example/cb", "http://pub.example/feed"))
	// Moving the boundary between callback and topic must not collide, since
	// the two fields are joined with a NUL separator rather than naive
	// concatenation.
	require.NotEqual(t,
		Subscription("http://a", "http://b"),
		Subscription("http://ahttp://b", ""))
}

func TestSequenceIsDeterministicPerCursorAndDiffersAcrossCursors(t *testing.T) {
	first := Sequence("gen-1", "feed-key-a")
	second := Sequence("gen-1", "feed-key-a")
	require.Equal(t, first, second)

	third := Sequence("gen-1", "feed-key-b")
	require.NotEqual(t, first, third)

	fourth := Sequence("gen-2", "feed-key-a")
	require.NotEqual(t, first, fourth)
}
