package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/paflow/internal/models"
)

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	queries []string
	resp    *SearchResponse
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, domains []string, maxResults int) (*SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queries = append(f.queries, query)
	return f.resp, f.err
}

type memRecorder struct {
	records []*models.ToolCallRecord
}

func (m *memRecorder) RecordToolCall(rec *models.ToolCallRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(s Searcher, npi *NPIClient, rec Recorder) *Registry {
	r := NewRegistry(quietLogger(), rec)
	RegisterDefaults(r, s, npi)
	return r
}

func TestRegisterDefaults(t *testing.T) {
	r := newTestRegistry(nil, nil, nil)

	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name())
		assert.NotEmpty(t, tool.Description())
		assert.NotEmpty(t, tool.Params())
	}
	assert.Equal(t, []string{
		"lookup_cms_coverage",
		"lookup_cpt",
		"lookup_fda",
		"lookup_icd10",
		"lookup_npi",
		"search_pubmed",
	}, names)
}

func TestInvokeUnknownTool(t *testing.T) {
	r := newTestRegistry(nil, nil, nil)
	_, err := r.Invoke(context.Background(), ExecContext{Step: "x"}, "nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestBlankArgumentsAreUnverified(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{Answer: "ok"}}
	r := newTestRegistry(search, NewNPIClient("http://127.0.0.1:0", nil), nil)
	ctx := context.Background()
	ec := ExecContext{Step: "test"}

	cases := []struct {
		tool string
		args map[string]any
	}{
		{"lookup_icd10", map[string]any{}},
		{"lookup_cpt", map[string]any{"code": "  "}},
		{"lookup_npi", map[string]any{"npi": ""}},
		{"lookup_cms_coverage", map[string]any{"cpt_code": nil}},
		{"lookup_fda", map[string]any{"name": ""}},
		{"search_pubmed", map[string]any{"query": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			res, err := r.Invoke(ctx, ec, tc.tool, tc.args)
			require.NoError(t, err)
			assert.True(t, res.Unverified())
			assert.Empty(t, res["source_urls"])
		})
	}
	assert.Zero(t, search.calls)
}

func TestSearchErrorIsUnverified(t *testing.T) {
	search := &fakeSearcher{err: errors.New("boom")}
	res := LookupCPT(context.Background(), search, "99213")
	assert.Equal(t, StatusUnverified, res["status"])
	assert.Equal(t, "99213", res["code"])
	assert.Equal(t, []string{}, res["source_urls"])
}

func TestMissingSearcherIsUnverified(t *testing.T) {
	res := LookupICD10(context.Background(), nil, "M54.5", "")
	assert.True(t, res.Unverified())
}

func TestLookupICD10ByCode(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{
		Answer: "M54.5 is the ICD-10 code for low back pain.",
		Results: []SearchResult{
			{URL: "https://www.icd10data.com/M54.5", Content: "Low back pain"},
			{URL: "https://www.cms.gov/icd10", Content: "ICD-10"},
		},
	}}
	res := LookupICD10(context.Background(), search, "M54.5", "")

	assert.Equal(t, "M54.5", res["code"])
	assert.Equal(t, true, res["valid"])
	assert.Equal(t, "high", res["confidence"])
	assert.Equal(t, []string{"https://www.icd10data.com/M54.5", "https://www.cms.gov/icd10"}, res["source_urls"])
	assert.False(t, res.Unverified())
	assert.Equal(t, []string{"ICD-10 code M54.5"}, search.queries)
}

func TestLookupICD10ByCondition(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{
		Answer:  "Type 2 diabetes with hyperglycemia is coded E11.65, with hypoglycemia E11.649.",
		Results: []SearchResult{{URL: "https://icd.codes/E11", Content: "E11.65 Type 2 diabetes mellitus with hyperglycemia"}},
	}}
	res := LookupICD10(context.Background(), search, "", "type 2 diabetes")

	codes, ok := res["codes"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, codes, 2)
	assert.Equal(t, "E11.65", codes[0]["code"])
	assert.Equal(t, "E11.649", codes[1]["code"])
	assert.Equal(t, "high", res["confidence"])
}

func TestLookupICD10Both(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{Answer: "M54.5 low back pain"}}
	res := LookupICD10(context.Background(), search, "M54.5", "low back pain")

	assert.Contains(t, res, "by_code")
	assert.Contains(t, res, "by_condition")
	assert.Len(t, search.queries, 2)
}

func TestSearchPubMedItems(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{Results: []SearchResult{
		{URL: "https://pubmed.ncbi.nlm.nih.gov/12345678/", Title: "Lumbar MRI outcomes", Content: "Study of imaging."},
		{URL: "https://example.org/other", Title: "", Content: "Other evidence"},
	}}}
	res := SearchPubMed(context.Background(), search, "lumbar MRI")

	items, ok := res["items"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "12345678", items[0]["pmid"])
	assert.Equal(t, "Lumbar MRI outcomes", items[0]["citation"])
	assert.Nil(t, items[1]["pmid"])
	assert.Equal(t, "Other evidence", items[1]["citation"])
	assert.Len(t, res["source_urls"], 2)
	assert.False(t, res.Unverified())
}

func TestSearchPubMedNoResults(t *testing.T) {
	res := SearchPubMed(context.Background(), &fakeSearcher{resp: &SearchResponse{}}, "anything")
	assert.True(t, res.Unverified())
}

func TestLookupCMSCoverageReferences(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{
		Answer: "Covered when conservative therapy fails.",
		Results: []SearchResult{
			{URL: "https://www.cms.gov/lcd/1", Title: "LCD L35936 Lumbar MRI"},
			{URL: "https://www.cms.gov/misc", Title: "Newsroom"},
		},
	}}
	res := LookupCMSCoverage(context.Background(), search, "72148")
	assert.Equal(t, []string{"LCD L35936 Lumbar MRI"}, res["ncd_lcd_references"])
	assert.Equal(t, "Covered when conservative therapy fails.", res["coverage_notes"])
}

func TestLookupFDARecall(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{Answer: "The device was approved in 2019 but is subject to a recall."}}
	res := LookupFDA(context.Background(), search, "Acme Stent")
	assert.Equal(t, false, res["indication_match"])
	assert.NotEmpty(t, res["recall_info"])
}

func TestLookupNPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1234567890", r.URL.Query().Get("number"))
		assert.Equal(t, "2.1", r.URL.Query().Get("version"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []any{map[string]any{
				"basic":      map[string]any{"first_name": "JANE", "last_name": "DOE", "status": "A"},
				"taxonomies": []any{map[string]any{"code": "207X00000X", "desc": "Orthopaedic Surgery"}},
				"addresses":  []any{map[string]any{"state": "OH"}},
			}},
		})
	}))
	defer srv.Close()

	res := LookupNPI(context.Background(), NewNPIClient(srv.URL, nil), "1234567890")
	assert.Equal(t, "JANE DOE", res["provider_name"])
	assert.Equal(t, true, res["active"])
	assert.Equal(t, "Orthopaedic Surgery", res["taxonomy"])
	assert.Equal(t, "OH", res["state"])
	assert.Equal(t, []string{"https://npiregistry.cms.hhs.gov/search?number=1234567890"}, res["source_urls"])
	assert.False(t, res.Unverified())
}

func TestLookupNPIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := LookupNPI(context.Background(), NewNPIClient(srv.URL, nil), "1234567890")
	assert.True(t, res.Unverified())
}

func TestTavilyClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CPT HCPCS code 72148", body.Query)
		assert.Equal(t, CPTDomains, body.IncludeDomains)
		assert.True(t, body.IncludeAnswer)
		_ = json.NewEncoder(w).Encode(SearchResponse{
			Answer:  "72148 is MRI lumbar spine without contrast.",
			Results: []SearchResult{{URL: "https://www.cms.gov/72148", Title: "72148"}},
		})
	}))
	defer srv.Close()

	res := LookupCPT(context.Background(), NewTavilyClient("secret", srv.URL, nil), "72148")
	assert.Equal(t, true, res["active"])
	assert.Equal(t, []string{"https://www.cms.gov/72148"}, res["source_urls"])
}

func TestTavilyClientWithoutKey(t *testing.T) {
	_, err := NewTavilyClient("", "", nil).Search(context.Background(), "q", nil, 3)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestInvokeCachesAndRecords(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{Answer: "valid code", Results: []SearchResult{{URL: "https://cms.gov/a"}}}}
	rec := &memRecorder{}
	r := newTestRegistry(search, nil, rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := r.Invoke(ctx, ExecContext{RunID: 7, Step: "clinical_coding_validator"}, "lookup_cpt", map[string]any{"code": "72148"})
		require.NoError(t, err)
		assert.False(t, res.Unverified())
	}
	assert.Equal(t, 1, search.calls)
	require.Len(t, rec.records, 2)
	assert.Equal(t, int64(7), rec.records[0].RunID)
	assert.Equal(t, "clinical_coding_validator", rec.records[0].Step)
	assert.Equal(t, "lookup_cpt", rec.records[0].Tool)
	assert.Equal(t, `{"code":"72148"}`, rec.records[0].Args)
	assert.Equal(t, "ok", rec.records[0].Status)

	r.ResetCache()
	_, err := r.Invoke(ctx, ExecContext{Step: "coverage_policy_analyzer"}, "lookup_cpt", map[string]any{"code": "72148"})
	require.NoError(t, err)
	assert.Equal(t, 2, search.calls)
	assert.Equal(t, "coverage_policy_analyzer", rec.records[2].Step)
}

func TestCacheKeyUsesFullArguments(t *testing.T) {
	search := &fakeSearcher{resp: &SearchResponse{Results: []SearchResult{{URL: "https://pubmed.ncbi.nlm.nih.gov/12345678/"}}}}
	rec := &memRecorder{}
	r := newTestRegistry(search, nil, rec)
	ctx := context.Background()
	ec := ExecContext{RunID: 3, Step: models.StepMedicalNecessity}

	prefix := strings.Repeat("lumbar spinal stenosis ", 10)
	for _, q := range []string{prefix + "physical therapy outcomes", prefix + "epidural steroid injection"} {
		_, err := r.Invoke(ctx, ec, "search_pubmed", map[string]any{"query": q})
		require.NoError(t, err)
	}

	require.Equal(t, 2, search.calls)
	assert.True(t, strings.HasSuffix(search.queries[0], "physical therapy outcomes"))
	assert.True(t, strings.HasSuffix(search.queries[1], "epidural steroid injection"))

	// audit entries stay truncated even though the cache key does not
	require.Len(t, rec.records, 2)
	assert.Equal(t, rec.records[0].Args, rec.records[1].Args)
	assert.Equal(t, argsSummaryLimit, utf8.RuneCountInString(rec.records[0].Args))
}

func TestInvokeRecoversFromPanic(t *testing.T) {
	r := NewRegistry(quietLogger(), nil)
	r.Register(&funcTool{name: "bad", fn: func(context.Context, map[string]string) Result { panic("kaboom") }})

	res, err := r.Invoke(context.Background(), ExecContext{}, "bad", nil)
	require.NoError(t, err)
	assert.True(t, res.Unverified())
}

func TestSummarizeArgsTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, summarizeArgs(map[string]string{"q": string(long)}), argsSummaryLimit)

	multi := summarizeArgs(map[string]string{"q": strings.Repeat("é", 300)})
	assert.True(t, utf8.ValidString(multi))
	assert.Equal(t, argsSummaryLimit, utf8.RuneCountInString(multi))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "hi", truncate("hi", 10))
	assert.Equal(t, "", truncate("hi", 0))
}
