package pagexml

import "strings"

// LabelledCard holds the text of regions tagged by structure type
type LabelledCard struct {
	Source     string
	Titles     []string
	Authors    []string
	Shelfmarks []string
}

// ExtractLabelled collects the first line of every TextRegion whose custom
// attribute names a shelfmark, title or author structure.
func ExtractLabelled(root *Node, source string) LabelledCard {
	card := LabelledCard{Source: source}

	walk(root, func(n *Node) {
		if n.Name != "TextRegion" {
			return
		}
		custom := n.Attrs["custom"]
		text, ok := firstLineText(n)
		if !ok {
			return
		}

		switch {
		case strings.Contains(custom, "shelfmark"):
			card.Shelfmarks = append(card.Shelfmarks, text)
		case strings.Contains(custom, "title"):
			card.Titles = append(card.Titles, text)
		case strings.Contains(custom, "author"):
			card.Authors = append(card.Authors, text)
		}
	})

	return card
}

// firstLineText follows TextLine/TextEquiv/Unicode for the region's first line.
func firstLineText(region *Node) (string, bool) {
	line := child(region, "TextLine")
	if line == nil {
		return "", false
	}
	equiv := child(line, "TextEquiv")
	if equiv == nil {
		return "", false
	}
	unicode := child(equiv, "Unicode")
	if unicode == nil {
		return "", false
	}
	text := strings.TrimSpace(unicode.Text)
	return text, text != ""
}

func child(n *Node, name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		walk(c, fn)
	}
}
