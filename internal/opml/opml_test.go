package opml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Subscriptions</title></head>
  <body>
    <outline text="Tech">
      <outline text="Hacker News" type="rss" xmlUrl="https://news.ycombinator.com/rss"/>
      <outline text="Nested">
        <outline text="Deep Feed" type="atom" xmlUrl="https://deep.example/feed.atom"/>
      </outline>
    </outline>
    <outline text="Top Level" type="rss" xmlUrl="https://top.example/rss"/>
  </body>
</opml>`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sampleOPML))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, FeedEntry{
		Source: "Tech",
		Title:  "Hacker News",
		URL:    "https://news.ycombinator.com/rss",
		Format: "rss",
	}, entries[0])

	// Nested groupings collapse into one source name.
	assert.Equal(t, "Tech / Nested", entries[1].Source)
	assert.Equal(t, "atom", entries[1].Format)

	assert.Equal(t, "", entries[2].Source)
	assert.Equal(t, "Top Level", entries[2].Title)
}

func TestParseUnknownTypeDefaultsToRSS(t *testing.T) {
	doc := `<opml version="2.0"><head/><body>
		<outline text="Weird" type="rdf" xmlUrl="https://weird.example/feed"/>
	</body></opml>`
	entries, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rss", entries[0].Format)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse(strings.NewReader("not xml at all <"))
	assert.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	in := []FeedEntry{
		{Source: "Tech", Title: "Hacker News", URL: "https://news.ycombinator.com/rss", Format: "rss"},
		{Source: "Tech", Title: "Lobsters", URL: "https://lobste.rs/rss", Format: "rss"},
		{Source: "News", Title: "Example Atom", URL: "https://example.com/feed.atom", Format: "atom"},
		{Title: "Orphan", URL: "https://orphan.example/rss"},
	}

	data, err := Export("test export", in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))

	out, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, out, 4)

	bySource := make(map[string][]FeedEntry)
	for _, e := range out {
		bySource[e.Source] = append(bySource[e.Source], e)
	}
	assert.Len(t, bySource["Tech"], 2)
	assert.Len(t, bySource["News"], 1)
	assert.Equal(t, "atom", bySource["News"][0].Format)
	assert.Len(t, bySource[""], 1)
}
