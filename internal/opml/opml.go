// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (grouping or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is a flattened feed with the source grouping it belongs to.
// Source is empty for feeds sitting at the top level of the document.
type FeedEntry struct {
	Source string
	Title  string
	URL    string
	Format string // "rss" or "atom"
}

// Parse reads an OPML document and returns a flat list of FeedEntry.
// Nested groupings collapse into one source name joined with " / ".
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				format := strings.ToLower(o.Type)
				if format != "atom" {
					format = "rss"
				}
				entries = append(entries, FeedEntry{
					Source: strings.Join(path, " / "),
					Title:  title,
					URL:    o.XMLURL,
					Format: format,
				})
			} else if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path, name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// Export generates an OPML document grouping feeds one level deep by source.
func Export(title string, entries []FeedEntry) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}

	sourceOutlines := make(map[string]*Outline)
	var sourceOrder []string
	var rootOutlines []Outline

	for _, e := range entries {
		format := e.Format
		if format == "" {
			format = "rss"
		}
		feedOutline := Outline{
			Text:   e.Title,
			Title:  e.Title,
			Type:   format,
			XMLURL: e.URL,
		}
		if e.Source == "" {
			rootOutlines = append(rootOutlines, feedOutline)
			continue
		}
		so, ok := sourceOutlines[e.Source]
		if !ok {
			so = &Outline{Text: e.Source, Title: e.Source}
			sourceOutlines[e.Source] = so
			sourceOrder = append(sourceOrder, e.Source)
		}
		so.Outlines = append(so.Outlines, feedOutline)
	}

	for _, name := range sourceOrder {
		rootOutlines = append(rootOutlines, *sourceOutlines[name])
	}
	doc.Body.Outlines = rootOutlines

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
