package feed

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

const atomDoc = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example</title>
  <entry><id>e1</id><title>One</title></entry>
  <entry><id>e2</id><title>Two</title></entry>
</feed>`

const rssDoc = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example</title>
  <item><guid>i1</guid><title>One</title></item>
</channel></rss>`

func TestParseAtom(t *testing.T) {
	d := DefaultDiffer{}
	parsed, err := d.Parse([]byte(atomDoc), FormatAtom)
	require.NoError(t, err)
	require.Equal(t, FormatAtom, parsed.Format)
	require.Len(t, parsed.Entries, 2)
	require.Equal(t, "e1", parsed.Entries[0].ID)
	require.Equal(t, "e2", parsed.Entries[1].ID)
	require.Contains(t, string(parsed.Footer), "</feed>")
}

func TestParseRSSFallback(t *testing.T) {
	d := DefaultDiffer{}
	// preferred=atom, but document is RSS; parser must fall back.
	parsed, err := d.Parse([]byte(rssDoc), FormatAtom)
	require.NoError(t, err)
	require.Equal(t, FormatRSS, parsed.Format)
	require.Len(t, parsed.Entries, 1)
	require.Equal(t, "i1", parsed.Entries[0].ID)
}

func TestBuildPayloadOrdersEntries(t *testing.T) {
	d := DefaultDiffer{}
	parsed, err := d.Parse([]byte(atomDoc), FormatAtom)
	require.NoError(t, err)

	// newest-first per spec.md §8 scenario 3.
	reordered := []Entry{parsed.Entries[1], parsed.Entries[0]}
	payload := BuildPayload(parsed, reordered)

	require.Contains(t, string(payload), `<?xml version="1.0" encoding="utf-8"?>`)
	require.True(t, indexOf(payload, "e2") < indexOf(payload, "e1"))
	require.Contains(t, string(payload), "</feed>")
}

func TestBuildPayloadNewlineJoinsSegments(t *testing.T) {
	d := DefaultDiffer{}
	parsed, err := d.Parse([]byte(atomDoc), FormatAtom)
	require.NoError(t, err)

	payload := BuildPayload(parsed, parsed.Entries)

	want := bytes.Join([][]byte{
		[]byte(`<?xml version="1.0" encoding="utf-8"?>`),
		parsed.Header,
		parsed.Entries[0].XML,
		parsed.Entries[1].XML,
		parsed.Footer,
	}, []byte("\n"))
	require.Equal(t, string(want), string(payload))
}

func indexOf(b []byte, sub string) int {
	for i := 0; i+len(sub) <= len(b); i++ {
		if string(b[i:i+len(sub)]) == sub {
			return i
		}
	}
	return -1
}

func TestParseNoEntries(t *testing.T) {
	d := DefaultDiffer{}
	doc := `<feed xmlns="http://www.w3.org/2005/Atom"><title>Empty</title></feed>`
	parsed, err := d.Parse([]byte(doc), FormatAtom)
	require.NoError(t, err)
	require.Empty(t, parsed.Entries)
}
