package bioverse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
)

// GEODataset is the E-utilities summary of one GEO series or dataset.
type GEODataset struct {
	Accession   string      `json:"accession"`
	UID         string      `json:"uid"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	Organism    string      `json:"organism"`
	Type        string      `json:"type"`
	Platform    string      `json:"platform"`
	SampleCount int         `json:"sampleCount"`
	Samples     []GEOSample `json:"samples"`
}

type GEOSample struct {
	Accession string `json:"accession"`
	Title     string `json:"title"`
}

type geoSummaryDoc struct {
	UID       string `json:"uid"`
	Accession string `json:"accession"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Taxon     string `json:"taxon"`
	GDSType   string `json:"gdstype"`
	GPL       string `json:"gpl"`
	NSamples  int    `json:"n_samples"`
	Samples   []struct {
		Accession string `json:"accession"`
		Title     string `json:"title"`
	} `json:"samples"`
}

func (d geoSummaryDoc) dataset(accession string) GEODataset {
	ds := GEODataset{
		Accession:   d.Accession,
		UID:         d.UID,
		Title:       d.Title,
		Summary:     d.Summary,
		Organism:    d.Taxon,
		Type:        d.GDSType,
		SampleCount: d.NSamples,
		Samples:     make([]GEOSample, 0, len(d.Samples)),
	}
	if ds.Accession == "" {
		ds.Accession = accession
	}
	if ds.Organism == "" {
		ds.Organism = unknownName
	}
	if d.GPL != "" {
		ds.Platform = "GPL" + strings.TrimPrefix(d.GPL, "GPL")
	}
	for _, s := range d.Samples {
		ds.Samples = append(ds.Samples, GEOSample{Accession: s.Accession, Title: s.Title})
	}
	if ds.SampleCount == 0 {
		ds.SampleCount = len(ds.Samples)
	}
	return ds
}

// Dataset resolves a GEO accession through esearch and describes it with
// esummary.
func (m *Metadata) Dataset(ctx context.Context, accession string) (GEODataset, error) {
	accession = strings.ToUpper(strings.TrimSpace(accession))
	if accession == "" {
		return GEODataset{}, ErrEmptyIdentifier
	}
	key := "geo:" + accession
	if ds, ok := m.datasets.Get(ctx, key); ok {
		return ds, nil
	}

	q := url.Values{}
	q.Set("db", "gds")
	q.Set("term", accession+"[Accession]")
	q.Set("retmode", "json")
	body, _, err := m.fetcher.get(ctx, m.eutilsURL("esearch.fcgi", q), "application/json")
	if err != nil {
		return GEODataset{}, fmt.Errorf("geo search %s: %w", accession, notFound(err))
	}
	var search struct {
		Result struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.Unmarshal(body, &search); err != nil {
		return GEODataset{}, fmt.Errorf("geo search %s: decode: %w", accession, err)
	}
	if len(search.Result.IDList) == 0 {
		return GEODataset{}, fmt.Errorf("geo search %s: %w", accession, ErrNotFound)
	}
	uid := search.Result.IDList[0]

	q = url.Values{}
	q.Set("db", "gds")
	q.Set("id", uid)
	q.Set("retmode", "json")
	body, _, err = m.fetcher.get(ctx, m.eutilsURL("esummary.fcgi", q), "application/json")
	if err != nil {
		return GEODataset{}, fmt.Errorf("geo summary %s: %w", accession, err)
	}
	// "result" maps each uid to its summary, next to a "uids" list.
	var summary struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return GEODataset{}, fmt.Errorf("geo summary %s: decode: %w", accession, err)
	}
	raw, ok := summary.Result[uid]
	if !ok {
		return GEODataset{}, fmt.Errorf("geo summary %s: uid %s missing from response", accession, uid)
	}
	var doc geoSummaryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return GEODataset{}, fmt.Errorf("geo summary %s: decode uid %s: %w", accession, uid, err)
	}

	ds := doc.dataset(accession)
	if err := m.datasets.Put(ctx, key, ds, 0); err != nil {
		log.Printf("metadata: cache dataset %s: %v", accession, err)
	}
	return ds, nil
}

func (m *Metadata) eutilsURL(tool string, q url.Values) string {
	if m.ncbiAPIKey != "" {
		q.Set("api_key", m.ncbiAPIKey)
	}
	return m.geoURL + "/" + tool + "?" + q.Encode()
}

// Experiment is an ArrayExpress study as listed by BioStudies.
type Experiment struct {
	Accession   string `json:"accession"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Organism    string `json:"organism,omitempty"`
	StudyType   string `json:"studyType,omitempty"`
	Files       int    `json:"files,omitempty"`
}

var arrayExpressAccession = regexp.MustCompile(`^E-[A-Z0-9]+-[0-9]+$`)

type bioStudyAttr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func attrValue(attrs []bioStudyAttr, name string) string {
	for _, a := range attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value
		}
	}
	return ""
}

type bioStudyDoc struct {
	Accno      string         `json:"accno"`
	Attributes []bioStudyAttr `json:"attributes"`
	Section    struct {
		Attributes []bioStudyAttr `json:"attributes"`
	} `json:"section"`
}

func (d bioStudyDoc) experiment() Experiment {
	e := Experiment{
		Accession:   d.Accno,
		Name:        attrValue(d.Attributes, "Title"),
		Description: attrValue(d.Section.Attributes, "Description"),
		Organism:    attrValue(d.Section.Attributes, "Organism"),
		StudyType:   attrValue(d.Section.Attributes, "Study type"),
	}
	if e.Name == "" {
		e.Name = attrValue(d.Section.Attributes, "Title")
	}
	if e.Name == "" {
		e.Name = d.Accno
	}
	return e
}

// Experiments looks an ArrayExpress accession (E-MTAB-1234) up directly, and
// runs a keyword search over the ArrayExpress collection for anything else.
func (m *Metadata) Experiments(ctx context.Context, query string) ([]Experiment, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyIdentifier
	}
	key := "arrayexpress:" + strings.ToLower(query)
	if exps, ok := m.experiments.Get(ctx, key); ok {
		return exps, nil
	}

	var (
		exps []Experiment
		err  error
	)
	if acc := strings.ToUpper(query); arrayExpressAccession.MatchString(acc) {
		exps, err = m.study(ctx, acc)
	} else {
		exps, err = m.searchStudies(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	if len(exps) == 0 {
		return nil, fmt.Errorf("arrayexpress %q: %w", query, ErrNotFound)
	}

	if err := m.experiments.Put(ctx, key, exps, 0); err != nil {
		log.Printf("metadata: cache arrayexpress %q: %v", query, err)
	}
	return exps, nil
}

func (m *Metadata) study(ctx context.Context, accession string) ([]Experiment, error) {
	u := m.bioStudiesURL + "/studies/" + url.PathEscape(accession)
	body, _, err := m.fetcher.get(ctx, u, "application/json")
	if err != nil {
		return nil, fmt.Errorf("arrayexpress %s: %w", accession, notFound(err))
	}
	var doc bioStudyDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("arrayexpress %s: decode: %w", accession, err)
	}
	if doc.Accno == "" {
		return nil, nil
	}
	return []Experiment{doc.experiment()}, nil
}

func (m *Metadata) searchStudies(ctx context.Context, query string) ([]Experiment, error) {
	q := url.Values{}
	q.Set("query", query)
	u := m.bioStudiesURL + "/arrayexpress/search?" + q.Encode()
	body, _, err := m.fetcher.get(ctx, u, "application/json")
	if err != nil {
		return nil, fmt.Errorf("arrayexpress search %q: %w", query, notFound(err))
	}
	var resp struct {
		Hits []struct {
			Accession string `json:"accession"`
			Title     string `json:"title"`
			Content   string `json:"content"`
			Files     int    `json:"files"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("arrayexpress search %q: decode: %w", query, err)
	}

	exps := make([]Experiment, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		if !strings.HasPrefix(h.Accession, "E-") {
			continue
		}
		e := Experiment{Accession: h.Accession, Name: h.Title, Description: h.Content, Files: h.Files}
		if e.Name == "" {
			e.Name = h.Accession
		}
		exps = append(exps, e)
	}
	return exps, nil
}
