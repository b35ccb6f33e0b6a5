package bioverse

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ProviderSpec describes one structure source. The resolver's fallback order is
// the list of specs sorted by Priority; adding a source is a config change.
type ProviderSpec struct {
	Name     string `yaml:"name"`
	Kind     IDKind `yaml:"kind"`
	Priority int    `yaml:"priority"`
	// Templates are URL variants tried in order; "{id}" is replaced by the
	// sub-identifier after Case is applied.
	Templates []string `yaml:"templates"`
	// Case is "upper", "lower" or empty for verbatim.
	Case string `yaml:"case"`
	// Confidence marks sources whose B-factor column carries pLDDT.
	Confidence bool `yaml:"confidence"`
}

// Candidate is one concrete URL to try for a provider.
type Candidate struct {
	Provider string
	URL      string
	Priority int
}

// Candidates expands p's templates for id. It returns nil when id has
// no sub-identifier of p's kind.
func (p ProviderSpec) Candidates(id Identifier) []Candidate {
	sub, ok := id.Sub(p.Kind)
	if !ok {
		return nil
	}
	switch p.Case {
	case "upper":
		sub = strings.ToUpper(sub)
	case "lower":
		sub = strings.ToLower(sub)
	}
	escaped := url.PathEscape(sub)

	seen := make(map[string]struct{}, len(p.Templates))
	out := make([]Candidate, 0, len(p.Templates))
	for _, tpl := range p.Templates {
		u := strings.ReplaceAll(tpl, "{id}", escaped)
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, Candidate{Provider: p.Name, URL: u, Priority: p.Priority})
	}
	return out
}

func (p ProviderSpec) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !p.Kind.valid() {
		return fmt.Errorf("kind: unknown %q (want uniprot, pdb or raw)", p.Kind)
	}
	switch p.Case {
	case "", "upper", "lower":
	default:
		return fmt.Errorf("case: unknown %q (want upper, lower or empty)", p.Case)
	}
	if len(p.Templates) == 0 {
		return fmt.Errorf("templates: at least one is required")
	}
	for i, tpl := range p.Templates {
		if !strings.Contains(tpl, "{id}") {
			return fmt.Errorf("templates[%d]: missing {id} placeholder", i)
		}
		if _, err := url.Parse(strings.ReplaceAll(tpl, "{id}", "x")); err != nil {
			return fmt.Errorf("templates[%d]: %w", i, err)
		}
	}
	return nil
}

// DefaultProviders is the built-in source list: AlphaFold models by UniProt
// accession, then experimental PDB entries from PDBe and RCSB, then a direct
// AlphaFold file lookup with the raw identifier.
func DefaultProviders() []ProviderSpec {
	return []ProviderSpec{
		{
			Name:     "alphafold",
			Kind:     KindUniProt,
			Priority: 10,
			Templates: []string{
				"https://alphafold.ebi.ac.uk/files/AF-{id}-F1-model_v4.pdb",
				"https://alphafold.ebi.ac.uk/files/AF-{id}-F1.pdb",
				"https://alphafold.ebi.ac.uk/files/AF-{id}.pdb",
			},
			Case:       "upper",
			Confidence: true,
		},
		{
			Name:      "pdbe",
			Kind:      KindPDB,
			Priority:  20,
			Templates: []string{"https://www.ebi.ac.uk/pdbe/entry-files/download/{id}.pdb"},
			Case:      "lower",
		},
		{
			Name:      "rcsb",
			Kind:      KindPDB,
			Priority:  30,
			Templates: []string{"https://files.rcsb.org/download/{id}.pdb"},
			Case:      "upper",
		},
		{
			Name:      "generic",
			Kind:      KindRaw,
			Priority:  100,
			Templates: []string{"https://alphafold.ebi.ac.uk/files/{id}.pdb"},
		},
	}
}

// Fetched is a payload an adapter accepted.
type Fetched struct {
	Provider   string
	URL        string
	Payload    []byte
	Confidence bool
}

// Adapter fetches a structure for one provider. Fetch tries the provider's
// candidates in order and returns the first validated payload together with
// the trail of candidates that failed before it. It returns ErrNoCandidates
// when the provider does not apply to id.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, id Identifier) (Fetched, []Attempt, error)
}

type httpAdapter struct {
	spec      ProviderSpec
	fetcher   *fetcher
	validator Validator
}

func newHTTPAdapter(spec ProviderSpec, f *fetcher, v Validator) *httpAdapter {
	return &httpAdapter{spec: spec, fetcher: f, validator: v}
}

func (a *httpAdapter) Name() string { return a.spec.Name }

func (a *httpAdapter) Fetch(ctx context.Context, id Identifier) (Fetched, []Attempt, error) {
	cands := a.spec.Candidates(id)
	if len(cands) == 0 {
		return Fetched{}, nil, ErrNoCandidates
	}

	var trail []Attempt
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return Fetched{}, trail, err
		}
		body, tries, err := a.fetcher.get(ctx, c.URL, "")
		if err != nil {
			trail = append(trail, failedAttempt(c, tries, err))
			continue
		}
		// A wrong answer stays wrong; go to the next variant without retrying.
		if !a.validator.Valid(body) {
			trail = append(trail, failedAttempt(c, tries, ErrInvalidPayload))
			continue
		}
		return Fetched{
			Provider:   a.spec.Name,
			URL:        c.URL,
			Payload:    body,
			Confidence: a.spec.Confidence,
		}, trail, nil
	}
	return Fetched{}, trail, fmt.Errorf("%s: %w", a.spec.Name, ErrExhausted)
}
