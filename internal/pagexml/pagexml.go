package pagexml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrUnexpectedLayout is returned when a page does not follow the
// region/line layout produced by Transkribus (Coords as the first child).
var ErrUnexpectedLayout = errors.New("unexpected page layout")

// Node is a generic element of a PAGE XML document
type Node struct {
	Name     string
	Attrs    map[string]string
	Children []*Node
	Text     string
}

// Parse reads a PAGE XML document into a node tree
func Parse(r io.Reader) (*Node, error) {
	decoder := xml.NewDecoder(r)

	var root *Node
	var stack []*Node

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode page XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			node := &Node{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				node.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					node.Attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			} else if root == nil {
				root = node
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("page XML has no root element")
	}
	return root, nil
}

// ParseFile parses a PAGE XML file from disk
func ParseFile(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(data))
}

// ExtractLines returns the recognised text lines of a page in document order.
//
// The root's second child holds the text regions. Regions with two or fewer
// children carry no lines and are skipped. Within a region the first child
// is Coords and the last is the region TextEquiv; everything between is a
// TextLine whose last child's first child is the line's Unicode text.
func ExtractLines(root *Node) ([]string, error) {
	if root == nil || len(root.Children) < 2 {
		return nil, fmt.Errorf("%w: root has no page element", ErrUnexpectedLayout)
	}

	var lines []string
	for _, region := range root.Children[1].Children {
		if len(region.Children) <= 2 {
			continue
		}
		if region.Children[0].Name != "Coords" {
			return nil, fmt.Errorf("%w: region %q starts with %s, want Coords",
				ErrUnexpectedLayout, region.Attrs["id"], region.Children[0].Name)
		}

		for _, line := range region.Children[1 : len(region.Children)-1] {
			if len(line.Children) == 0 || line.Children[0].Name != "Coords" {
				return nil, fmt.Errorf("%w: line %q has no leading Coords", ErrUnexpectedLayout, line.Attrs["id"])
			}
			equiv := line.Children[len(line.Children)-1]
			if len(equiv.Children) == 0 {
				continue
			}
			if text := strings.TrimSpace(equiv.Children[0].Text); text != "" {
				lines = append(lines, text)
			}
		}
	}

	return lines, nil
}

// Page is the text recovered from one transcribed page
type Page struct {
	Lines  []string
	Labels LabelledCard
}

// Lines flattens loaded pages into the page-name to lines mapping
func Lines(pages map[string]Page) map[string][]string {
	out := make(map[string][]string, len(pages))
	for name, page := range pages {
		out[name] = page.Lines
	}
	return out
}

// PageError records a page that LoadDir skipped
type PageError struct {
	Page string
	Err  error
}

func (e PageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Page, e.Err)
}

func (e PageError) Unwrap() error {
	return e.Err
}

// LoadDir parses every *.xml page in dir, keyed by file base name
// (e.g. "0_title.xml"). A page that cannot be read or breaks the expected
// layout is logged and returned in skipped; the error is reserved for a
// directory where no page loads at all.
func LoadDir(dir string) (pages map[string]Page, skipped []PageError, err error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list page XML: %w", err)
	}
	sort.Strings(paths)

	pages = make(map[string]Page, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		page, err := loadPage(path)
		if err != nil {
			slog.Error("Skipping unreadable page", "page", name, "error", err)
			skipped = append(skipped, PageError{Page: name, Err: err})
			continue
		}
		pages[name] = page
		slog.Debug("Loaded page", "page", name, "lines", len(page.Lines))
	}

	if len(paths) > 0 && len(pages) == 0 {
		errs := make([]error, len(skipped))
		for i, s := range skipped {
			errs[i] = s
		}
		return nil, skipped, fmt.Errorf("no readable pages in %s: %w", dir, errors.Join(errs...))
	}
	return pages, skipped, nil
}

func loadPage(path string) (Page, error) {
	var root *Node
	err := retry.Do(
		func() error {
			var err error
			root, err = ParseFile(path)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, fs.ErrNotExist)
		}),
	)
	if err != nil {
		return Page{}, fmt.Errorf("failed to load page: %w", err)
	}

	lines, err := ExtractLines(root)
	if err != nil {
		return Page{}, fmt.Errorf("failed to extract lines: %w", err)
	}
	return Page{
		Lines:  lines,
		Labels: ExtractLabelled(root, filepath.Base(path)),
	}, nil
}
