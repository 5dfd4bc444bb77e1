package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/accessioner/internal/bibinfo"
	"github.com/lehigh-university-libraries/accessioner/internal/models"
	"github.com/lehigh-university-libraries/accessioner/internal/providers"
	"github.com/lehigh-university-libraries/accessioner/internal/providers/gemini"
	"github.com/lehigh-university-libraries/accessioner/internal/providers/ollama"
	"github.com/lehigh-university-libraries/accessioner/internal/providers/openai"
)

const promptTemplate = `The following text was transcribed from the title side of a library catalogue card.
Separate it into the title of the work and its author.
Respond only with JSON of the form {"title": "...", "author": "..."}.
Use an empty string for anything that is not present.

Text:
%s`

// NewProvider returns the named LLM provider
func NewProvider(name string) (providers.Provider, error) {
	switch strings.ToLower(name) {
	case "ollama":
		return ollama.New(""), nil
	case "openai":
		return openai.New("", ""), nil
	case "gemini":
		return gemini.New(""), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// DefaultModel returns the model used when none is configured. OPENAI_MODEL
// and OLLAMA_MODEL override the built-in choices.
func DefaultModel(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		if model := os.Getenv("OPENAI_MODEL"); model != "" {
			return model
		}
		return "gpt-4o"
	case "ollama":
		if model := os.Getenv("OLLAMA_MODEL"); model != "" {
			return model
		}
		return "mistral-small3.2:24b"
	case "gemini":
		if model := os.Getenv("GEMINI_MODEL"); model != "" {
			return model
		}
		return "gemini-1.5-flash"
	default:
		return ""
	}
}

// Refiner asks an LLM to split title page text that the line rules could not
type Refiner struct {
	provider    providers.Provider
	model       string
	temperature float64
}

func New(provider providers.Provider, model string) *Refiner {
	return &Refiner{
		provider:    provider,
		model:       model,
		temperature: 0.1,
	}
}

// SplitTitleAuthor returns the title and author found in lines
func (r *Refiner) SplitTitleAuthor(ctx context.Context, lines []string) (string, string, error) {
	response, err := r.provider.Complete(ctx, providers.Request{
		Model:       r.model,
		Temperature: r.temperature,
		Prompt:      fmt.Sprintf(promptTemplate, strings.Join(lines, "\n")),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to refine title page: %w", err)
	}

	var parsed struct {
		Title  string `json:"title"`
		Author string `json:"author"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(response)), &parsed); err != nil {
		return "", "", fmt.Errorf("failed to parse refinement response %q: %w", response, err)
	}
	return strings.TrimSpace(parsed.Title), strings.TrimSpace(parsed.Author), nil
}

// Apply refines every low-confidence work that has title page text.
// Works that cannot be refined are left as extracted. It returns the
// updated works and how many were changed.
func (r *Refiner) Apply(ctx context.Context, works map[models.WorkID]models.Work, pageLines map[string][]string) (map[models.WorkID]models.Work, int) {
	out := make(map[models.WorkID]models.Work, len(works))
	for id, work := range works {
		out[id] = work
	}

	names := make([]string, 0, len(pageLines))
	for name := range pageLines {
		names = append(names, name)
	}
	sort.Strings(names)

	refined := 0
	for _, name := range names {
		id, kind, ok := bibinfo.ParsePageName(name)
		if !ok || kind != bibinfo.PageTitle {
			continue
		}
		work, exists := out[id]
		if !exists || !work.LowConfidence {
			continue
		}
		lines := nonBlank(pageLines[name])
		if len(lines) == 0 {
			continue
		}

		title, author, err := r.SplitTitleAuthor(ctx, lines)
		if err != nil {
			slog.Warn("Title refinement failed", "work_id", id, "error", err)
			continue
		}
		if title == "" && author == "" {
			slog.Debug("Title refinement found nothing", "work_id", id)
			continue
		}

		work.Title = title
		work.Author = author
		work.LowConfidence = false
		out[id] = work
		refined++
		slog.Debug("Refined title page", "work_id", id, "title", title, "author", author)
	}

	return out, refined
}

// stripCodeFence removes a ```json fence some models wrap around output
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func nonBlank(lines []string) []string {
	var out []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
