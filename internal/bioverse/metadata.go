package bioverse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
)

// UniProtHit is the first result of a UniProt search.
type UniProtHit struct {
	Accession   string   `json:"accession"`
	ID          string   `json:"id"`
	ProteinName string   `json:"proteinName"`
	Organism    string   `json:"organism"`
	PDBIDs      []string `json:"pdbIds,omitempty"`
	// Identifier is "<accession>:<first pdb id>", or just the accession, and can
	// be passed straight to ResolveStructure.
	Identifier string `json:"identifier"`
}

type UniProtEntry struct {
	Accession   string           `json:"accession"`
	ID          string           `json:"id"`
	ProteinName string           `json:"proteinName"`
	Organism    string           `json:"organism"`
	Sequence    string           `json:"sequence"`
	Length      int              `json:"length"`
	Features    []UniProtFeature `json:"features"`
}

type UniProtFeature struct {
	Type        string `json:"type"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Description string `json:"description"`
}

// uniProtDoc is the subset of the UniProtKB JSON format we read.
type uniProtDoc struct {
	PrimaryAccession   string `json:"primaryAccession"`
	UniProtKBID        string `json:"uniProtkbId"`
	ProteinDescription struct {
		RecommendedName *struct {
			FullName struct {
				Value string `json:"value"`
			} `json:"fullName"`
		} `json:"recommendedName"`
		SubmissionNames []struct {
			FullName struct {
				Value string `json:"value"`
			} `json:"fullName"`
		} `json:"submissionNames"`
	} `json:"proteinDescription"`
	Organism struct {
		ScientificName string `json:"scientificName"`
	} `json:"organism"`
	Sequence struct {
		Value  string `json:"value"`
		Length int    `json:"length"`
	} `json:"sequence"`
	Features []struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Location    struct {
			Start *struct {
				Value int `json:"value"`
			} `json:"start"`
			End *struct {
				Value int `json:"value"`
			} `json:"end"`
		} `json:"location"`
	} `json:"features"`
	CrossReferences []struct {
		Database string `json:"database"`
		ID       string `json:"id"`
	} `json:"uniProtKBCrossReferences"`
}

const unknownName = "Unknown"

func (d uniProtDoc) proteinName() string {
	pd := d.ProteinDescription
	if pd.RecommendedName != nil && pd.RecommendedName.FullName.Value != "" {
		return pd.RecommendedName.FullName.Value
	}
	if len(pd.SubmissionNames) > 0 && pd.SubmissionNames[0].FullName.Value != "" {
		return pd.SubmissionNames[0].FullName.Value
	}
	return unknownName
}

func (d uniProtDoc) organism() string {
	if d.Organism.ScientificName == "" {
		return unknownName
	}
	return d.Organism.ScientificName
}

func (d uniProtDoc) hit() UniProtHit {
	h := UniProtHit{
		Accession:   d.PrimaryAccession,
		ID:          d.UniProtKBID,
		ProteinName: d.proteinName(),
		Organism:    d.organism(),
		Identifier:  d.PrimaryAccession,
	}
	for _, ref := range d.CrossReferences {
		if ref.Database == "PDB" && ref.ID != "" {
			h.PDBIDs = append(h.PDBIDs, ref.ID)
		}
	}
	if len(h.PDBIDs) > 0 {
		h.Identifier = d.PrimaryAccession + ":" + h.PDBIDs[0]
	}
	return h
}

func (d uniProtDoc) entry() UniProtEntry {
	e := UniProtEntry{
		Accession:   d.PrimaryAccession,
		ID:          d.UniProtKBID,
		ProteinName: d.proteinName(),
		Organism:    d.organism(),
		Sequence:    d.Sequence.Value,
		Length:      d.Sequence.Length,
		Features:    make([]UniProtFeature, 0, len(d.Features)),
	}
	for _, f := range d.Features {
		uf := UniProtFeature{Type: f.Type, Description: f.Description}
		if f.Location.Start != nil {
			uf.Start = f.Location.Start.Value
		}
		if f.Location.End != nil {
			uf.End = f.Location.End.Value
		}
		e.Features = append(e.Features, uf)
	}
	return e
}

// Metadata answers UniProt, GEO and ArrayExpress lookups, cache-first, from
// the search-results namespace. Misses are never cached.
type Metadata struct {
	baseURL       string
	geoURL        string
	bioStudiesURL string
	ncbiAPIKey    string
	fetcher       *fetcher

	hits        *Cache[UniProtHit]
	entries     *Cache[UniProtEntry]
	datasets    *Cache[GEODataset]
	experiments *Cache[[]Experiment]
}

func newMetadata(cfg Config, f *fetcher, store Store) *Metadata {
	ttl := cfg.Cache.metadataTTL
	return &Metadata{
		baseURL:       strings.TrimRight(cfg.Metadata.UniProtURL, "/"),
		geoURL:        strings.TrimRight(cfg.Metadata.GEOURL, "/"),
		bioStudiesURL: strings.TrimRight(cfg.Metadata.BioStudiesURL, "/"),
		ncbiAPIKey:    cfg.Metadata.NCBIAPIKey,
		fetcher:       f,
		hits:          NewCache[UniProtHit](store, NamespaceMetadata, ttl),
		entries:       NewCache[UniProtEntry](store, NamespaceMetadata, ttl),
		datasets:      NewCache[GEODataset](store, NamespaceMetadata, ttl),
		experiments:   NewCache[[]Experiment](store, NamespaceMetadata, ttl),
	}
}

// SweepExpired removes expired lookups of every kind; they share one namespace.
func (m *Metadata) SweepExpired(ctx context.Context) (int, error) {
	return m.hits.SweepExpired(ctx)
}

// Search returns the best UniProt match for query, a protein name, gene or
// accession.
func (m *Metadata) Search(ctx context.Context, query string) (UniProtHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return UniProtHit{}, ErrEmptyIdentifier
	}
	key := "query:" + strings.ToLower(query)
	if h, ok := m.hits.Get(ctx, key); ok {
		return h, nil
	}

	u := fmt.Sprintf("%s/search?query=%s&format=json&size=1", m.baseURL, url.QueryEscape(query))
	body, _, err := m.fetcher.get(ctx, u, "application/json")
	if err != nil {
		return UniProtHit{}, fmt.Errorf("uniprot search %q: %w", query, notFound(err))
	}
	var resp struct {
		Results []uniProtDoc `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return UniProtHit{}, fmt.Errorf("uniprot search %q: decode: %w", query, err)
	}
	if len(resp.Results) == 0 || resp.Results[0].PrimaryAccession == "" {
		return UniProtHit{}, fmt.Errorf("uniprot search %q: %w", query, ErrNotFound)
	}

	h := resp.Results[0].hit()
	if err := m.hits.Put(ctx, key, h, 0); err != nil {
		log.Printf("metadata: cache search %q: %v", query, err)
	}
	return h, nil
}

// Entry returns the summary of one UniProt entry.
func (m *Metadata) Entry(ctx context.Context, accession string) (UniProtEntry, error) {
	accession = strings.ToUpper(strings.TrimSpace(accession))
	if accession == "" {
		return UniProtEntry{}, ErrEmptyIdentifier
	}
	key := "entry:" + accession
	if e, ok := m.entries.Get(ctx, key); ok {
		return e, nil
	}

	u := fmt.Sprintf("%s/%s", m.baseURL, url.PathEscape(accession))
	body, _, err := m.fetcher.get(ctx, u, "application/json")
	if err != nil {
		return UniProtEntry{}, fmt.Errorf("uniprot entry %s: %w", accession, notFound(err))
	}
	var doc uniProtDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return UniProtEntry{}, fmt.Errorf("uniprot entry %s: decode: %w", accession, err)
	}
	if doc.PrimaryAccession == "" {
		return UniProtEntry{}, fmt.Errorf("uniprot entry %s: %w", accession, ErrNotFound)
	}

	e := doc.entry()
	if err := m.entries.Put(ctx, key, e, 0); err != nil {
		log.Printf("metadata: cache entry %s: %v", accession, err)
	}
	return e, nil
}

// notFound maps UniProt's answers for unknown or malformed accessions to
// ErrNotFound, keeping the status in the message.
func notFound(err error) error {
	var he *HTTPError
	if errors.As(err, &he) && (he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusBadRequest) {
		return fmt.Errorf("%w (status %d)", ErrNotFound, he.StatusCode)
	}
	return err
}
