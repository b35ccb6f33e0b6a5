package bioverse

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const geoSearchJSON = `{"header": {"type": "esearch"}, "esearchresult": {"count": "1", "idlist": ["200012345"]}}`

const geoSummaryJSON = `{
  "header": {"type": "esummary"},
  "result": {
    "uids": ["200012345"],
    "200012345": {
      "uid": "200012345",
      "accession": "GSE12345",
      "title": "Hemoglobin expression in erythroid progenitors",
      "summary": "Time course of globin gene expression.",
      "taxon": "Homo sapiens",
      "gdstype": "Expression profiling by array",
      "gpl": "570",
      "n_samples": 2,
      "samples": [
        {"accession": "GSM1", "title": "day 0"},
        {"accession": "GSM2", "title": "day 7"}
      ]
    }
  }
}`

func TestMetadataDataset(t *testing.T) {
	u := newUpstream(t)
	var term, key atomic.Value
	u.handle("/eutils/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "gds", q.Get("db"))
		assert.Equal(t, "json", q.Get("retmode"))
		term.Store(q.Get("term"))
		key.Store(q.Get("api_key"))
		_, _ = w.Write([]byte(geoSearchJSON))
	})
	u.handle("/eutils/esummary.fcgi", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200012345", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(geoSummaryJSON))
	})
	m, store := newTestMetadata(t, u, "  ncbiAPIKey: test-key\n")
	ctx := context.Background()

	ds, err := m.Dataset(ctx, " gse12345 ")
	require.NoError(t, err)
	assert.Equal(t, "GSE12345[Accession]", term.Load())
	assert.Equal(t, "test-key", key.Load())
	assert.Equal(t, GEODataset{
		Accession:   "GSE12345",
		UID:         "200012345",
		Title:       "Hemoglobin expression in erythroid progenitors",
		Summary:     "Time course of globin gene expression.",
		Organism:    "Homo sapiens",
		Type:        "Expression profiling by array",
		Platform:    "GPL570",
		SampleCount: 2,
		Samples:     []GEOSample{{Accession: "GSM1", Title: "day 0"}, {Accession: "GSM2", Title: "day 7"}},
	}, ds)

	again, err := m.Dataset(ctx, "GSE12345")
	require.NoError(t, err)
	assert.Equal(t, ds, again)
	assert.Equal(t, 1, u.count("/eutils/esearch.fcgi"))
	assert.Equal(t, 1, u.count("/eutils/esummary.fcgi"))
	assert.True(t, store.has("search-results/geo:GSE12345"))
}

func TestMetadataDataset_Misses(t *testing.T) {
	u := newUpstream(t)
	u.serve("/eutils/esearch.fcgi", http.StatusOK, `{"esearchresult": {"count": "0", "idlist": []}}`)
	m, _ := newTestMetadata(t, u, "")
	ctx := context.Background()

	_, err := m.Dataset(ctx, "GSE0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Dataset(ctx, "GSE0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, u.count("/eutils/esearch.fcgi"), "misses are not cached")
	assert.Zero(t, u.count("/eutils/esummary.fcgi"))

	_, err = m.Dataset(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
}

func TestMetadataDataset_SummaryWithoutUID(t *testing.T) {
	u := newUpstream(t)
	u.serve("/eutils/esearch.fcgi", http.StatusOK, geoSearchJSON)
	u.serve("/eutils/esummary.fcgi", http.StatusOK, `{"result": {"uids": []}}`)
	m, store := newTestMetadata(t, u, "")

	_, err := m.Dataset(context.Background(), "GSE12345")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.False(t, store.has("search-results/geo:GSE12345"))
}

const bioStudyJSON = `{
  "accno": "E-MTAB-1234",
  "attributes": [{"name": "Title", "value": "Globin switching in fetal liver"}],
  "section": {
    "type": "Study",
    "attributes": [
      {"name": "Description", "value": "RNA-seq of fetal liver erythroblasts."},
      {"name": "Organism", "value": "Mus musculus"},
      {"name": "Study type", "value": "RNA-seq of coding RNA"}
    ]
  }
}`

func TestMetadataExperiments(t *testing.T) {
	u := newUpstream(t)
	u.serve("/biostudies/studies/E-MTAB-1234", http.StatusOK, bioStudyJSON)
	var query atomic.Value
	u.handle("/biostudies/arrayexpress/search", func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"hits": [
			{"accession": "E-GEOD-1", "title": "Globin locus", "content": "Array study", "files": 12},
			{"accession": "S-BSST1", "title": "Not ArrayExpress"},
			{"accession": "E-MTAB-2"}
		]}`))
	})
	m, _ := newTestMetadata(t, u, "")
	ctx := context.Background()

	exps, err := m.Experiments(ctx, "e-mtab-1234")
	require.NoError(t, err)
	assert.Equal(t, []Experiment{{
		Accession:   "E-MTAB-1234",
		Name:        "Globin switching in fetal liver",
		Description: "RNA-seq of fetal liver erythroblasts.",
		Organism:    "Mus musculus",
		StudyType:   "RNA-seq of coding RNA",
	}}, exps)
	assert.Zero(t, u.count("/biostudies/arrayexpress/search"))

	exps, err = m.Experiments(ctx, "globin switching")
	require.NoError(t, err)
	assert.Equal(t, "globin switching", query.Load())
	assert.Equal(t, []Experiment{
		{Accession: "E-GEOD-1", Name: "Globin locus", Description: "Array study", Files: 12},
		{Accession: "E-MTAB-2", Name: "E-MTAB-2"},
	}, exps)

	_, err = m.Experiments(ctx, "Globin Switching")
	require.NoError(t, err)
	assert.Equal(t, 1, u.count("/biostudies/arrayexpress/search"))

	_, err = m.Experiments(ctx, "E-MTAB-9999")
	assert.ErrorIs(t, err, ErrNotFound)
}
