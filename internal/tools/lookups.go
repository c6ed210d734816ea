package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Per-tool search allowlists.
var (
	ICD10Domains  = []string{"cms.gov", "icd.codes", "icd10data.com"}
	CPTDomains    = []string{"cms.gov", "ama-assn.org"}
	CMSDomains    = []string{"cms.gov"}
	FDADomains    = []string{"fda.gov"}
	PubMedDomains = []string{"pubmed.ncbi.nlm.nih.gov"}
)

const npiSearchURL = "https://npiregistry.cms.hhs.gov/search?number="

var (
	icd10CodePattern = regexp.MustCompile(`(?i)\b([A-Z]\d{2}(?:\.\d{2,4})?)\b`)
	pmidPattern      = regexp.MustCompile(`(\d{6,})`)
	leadingJunk      = regexp.MustCompile(`^[^\w\-]*`)
)

// RegisterDefaults adds the six prior authorization lookups.
func RegisterDefaults(r *Registry, search Searcher, npi *NPIClient) {
	r.Register(&funcTool{
		name: "lookup_icd10",
		description: "Look up ICD-10 by code OR by disease/medical condition. (1) code: ICD-10 code (e.g. M54.5) returns code, description, valid, source_urls, confidence. " +
			"(2) condition: disease or condition (e.g. low back pain, type 2 diabetes) returns condition, codes list with code and description, source_urls, confidence. " +
			"Use for diagnosis validation and for finding ICD-10 codes from a condition. Provide at least one of code or condition.",
		params: []Param{
			{Name: "code", Description: "ICD-10 code from Input.diagnoses."},
			{Name: "condition", Description: "Disease or condition from Input.diagnoses for finding codes."},
		},
		fn: func(ctx context.Context, args map[string]string) Result {
			return LookupICD10(ctx, search, args["code"], args["condition"])
		},
	})
	r.Register(&funcTool{
		name:        "lookup_cpt",
		description: "Look up CPT or HCPCS procedure code from AMA/CMS sources. Use for procedure code validation. Returns code, description, active, source_urls.",
		params:      []Param{{Name: "code", Description: "CPT or HCPCS procedure code from Input.procedures_requested.", Required: true}},
		fn: func(ctx context.Context, args map[string]string) Result {
			return LookupCPT(ctx, search, args["code"])
		},
	})
	r.Register(&funcTool{
		name: "lookup_npi",
		description: "Look up provider by NPI using the CMS NPI Registry API. Use for provider validation. " +
			"Returns provider_name, active, taxonomy, state, source_urls.",
		params: []Param{{Name: "npi", Description: "10-digit National Provider Identifier from Input.provider.npi. Use for provider validation.", Required: true}},
		fn: func(ctx context.Context, args map[string]string) Result {
			return LookupNPI(ctx, npi, args["npi"])
		},
	})
	r.Register(&funcTool{
		name: "lookup_cms_coverage",
		description: "Look up CMS NCD/LCD coverage for a CPT code. Use for coverage eligibility. " +
			"Returns ncd_lcd_references, coverage_notes, source_urls.",
		params: []Param{{Name: "cpt_code", Description: "CPT or HCPCS procedure code from Input.procedures_requested. Use for coverage eligibility.", Required: true}},
		fn: func(ctx context.Context, args map[string]string) Result {
			return LookupCMSCoverage(ctx, search, args["cpt_code"])
		},
	})
	r.Register(&funcTool{
		name: "lookup_fda",
		description: "Look up FDA device or drug approval and recall status. Use for coverage and medical necessity when devices/drugs are involved. " +
			"Returns approval_status, indication_match, recall_info, source_urls.",
		params: []Param{{Name: "name", Description: "Device or drug name from the case for FDA approval/recall lookup.", Required: true}},
		fn: func(ctx context.Context, args map[string]string) Result {
			return LookupFDA(ctx, search, args["name"])
		},
	})
	r.Register(&funcTool{
		name: "search_pubmed",
		description: "Search PubMed for literature and clinical evidence. Use for medical necessity and appeal drafting. " +
			"Returns items with pmid, citation, relevance_summary, source_urls.",
		params: []Param{{Name: "query", Description: "Search query built from Input (diagnoses, procedure_descriptions, clinical_findings, or denial reasons).", Required: true}},
		fn: func(ctx context.Context, args map[string]string) Result {
			return SearchPubMed(ctx, search, args["query"])
		},
	})
}

// LookupICD10 validates a code, finds codes for a condition, or both.
func LookupICD10(ctx context.Context, s Searcher, code, condition string) Result {
	code = strings.TrimSpace(code)
	condition = strings.TrimSpace(condition)

	switch {
	case code == "" && condition == "":
		return Result{"status": StatusUnverified, "error": "Provide either code or condition.", "source_urls": []string{}}
	case condition == "":
		return icd10ByCode(ctx, s, code)
	case code == "":
		return icd10ByCondition(ctx, s, condition)
	default:
		return Result{
			"by_code":      icd10ByCode(ctx, s, code),
			"by_condition": icd10ByCondition(ctx, s, condition),
			"source_urls":  []string{},
		}
	}
}

func icd10ByCode(ctx context.Context, s Searcher, code string) Result {
	res := Result{
		"code":        code,
		"description": "",
		"valid":       false,
		"source_urls": []string{},
		"confidence":  "low",
	}
	resp, err := search(ctx, s, "ICD-10 code "+code, ICD10Domains, 3)
	if err != nil {
		res["status"] = StatusUnverified
		return res
	}

	answer := strings.TrimSpace(resp.Answer)
	urls := resultURLs(resp)
	res["source_urls"] = urls

	description := ""
	if answer != "" {
		description = truncate(answer, 500)
		lower := strings.ToLower(answer)
		res["valid"] = !strings.Contains(lower, "invalid") && !strings.Contains(lower, "not found")
	}
	if len(resp.Results) > 0 && description == "" {
		description = truncate(joinContent(resp, 200), 500)
	}
	res["description"] = description

	switch {
	case len(resp.Results) >= 2:
		res["confidence"] = "high"
	case len(resp.Results) == 1:
		res["confidence"] = "medium"
	}

	if len(urls) == 0 && description == "" {
		res["status"] = StatusUnverified
	}
	return res
}

func icd10ByCondition(ctx context.Context, s Searcher, condition string) Result {
	res := Result{
		"condition":   condition,
		"codes":       []map[string]string{},
		"source_urls": []string{},
		"confidence":  "low",
	}
	resp, err := search(ctx, s, "ICD-10 code for "+condition, ICD10Domains, 5)
	if err != nil {
		res["status"] = StatusUnverified
		return res
	}

	urls := resultURLs(resp)
	res["source_urls"] = urls

	combined := strings.TrimSpace(resp.Answer) + " " + joinContent(resp, 300)
	codes := []map[string]string{}
	seen := make(map[string]bool)
	for _, loc := range icd10CodePattern.FindAllStringSubmatchIndex(combined, -1) {
		code := strings.ToUpper(combined[loc[2]:loc[3]])
		if seen[code] {
			continue
		}
		seen[code] = true

		start := max(0, loc[0]-5)
		end := min(len(combined), loc[1]+80)
		snippet := strings.TrimSpace(combined[start:end])
		desc := truncate(strings.TrimSpace(leadingJunk.ReplaceAllString(snippet, "")), 120)
		if desc == "" {
			desc = code
		}
		codes = append(codes, map[string]string{"code": code, "description": desc})
	}
	if len(codes) == 0 && strings.TrimSpace(combined) != "" {
		codes = append(codes, map[string]string{"code": "", "description": truncate(strings.TrimSpace(combined), 400)})
	}
	res["codes"] = codes

	switch {
	case len(codes) >= 2:
		res["confidence"] = "high"
	case len(codes) == 1:
		res["confidence"] = "medium"
	}

	if len(urls) == 0 && len(codes) == 0 {
		res["status"] = StatusUnverified
	}
	return res
}

func LookupCPT(ctx context.Context, s Searcher, code string) Result {
	code = strings.TrimSpace(code)
	res := Result{
		"code":        code,
		"description": "",
		"active":      false,
		"source_urls": []string{},
	}
	if code == "" {
		res["status"] = StatusUnverified
		return res
	}

	resp, err := search(ctx, s, "CPT HCPCS code "+code, CPTDomains, 3)
	if err != nil {
		res["status"] = StatusUnverified
		return res
	}

	urls := resultURLs(resp)
	res["source_urls"] = urls

	answer := strings.TrimSpace(resp.Answer)
	description := ""
	if answer != "" {
		description = truncate(answer, 500)
		lower := strings.ToLower(answer)
		res["active"] = !strings.Contains(lower, "deleted") && !strings.Contains(lower, "invalid")
	}
	if len(resp.Results) > 0 && description == "" {
		description = truncate(joinContent(resp, 200), 500)
	}
	res["description"] = description

	if len(urls) == 0 && description == "" {
		res["status"] = StatusUnverified
	}
	return res
}

func LookupNPI(ctx context.Context, c *NPIClient, npi string) Result {
	npi = strings.TrimSpace(npi)
	res := Result{
		"provider_name": "",
		"active":        false,
		"taxonomy":      "",
		"state":         "",
		"source_urls":   []string{},
	}
	if npi == "" || c == nil {
		res["status"] = StatusUnverified
		return res
	}

	resp, err := c.lookup(ctx, npi)
	if err != nil || len(resp.Results) == 0 {
		res["status"] = StatusUnverified
		return res
	}

	first := resp.Results[0]
	name := first.Basic.Name
	if name == "" {
		name = first.Basic.OrganizationName
	}
	if name == "" {
		name = strings.TrimSpace(first.Basic.FirstName + " " + first.Basic.LastName)
	}
	res["provider_name"] = name
	res["active"] = strings.EqualFold(first.Basic.Status, "active") || first.Basic.Status == "A"
	if len(first.Taxonomies) > 0 {
		tax := first.Taxonomies[0].Desc
		if tax == "" {
			tax = first.Taxonomies[0].Code
		}
		res["taxonomy"] = tax
	}
	if len(first.Addresses) > 0 {
		res["state"] = first.Addresses[0].State
	}
	res["source_urls"] = []string{npiSearchURL + npi}
	return res
}

func LookupCMSCoverage(ctx context.Context, s Searcher, cptCode string) Result {
	cptCode = strings.TrimSpace(cptCode)
	res := Result{
		"ncd_lcd_references": []string{},
		"coverage_notes":     "",
		"source_urls":        []string{},
	}
	if cptCode == "" {
		res["status"] = StatusUnverified
		return res
	}

	resp, err := search(ctx, s, "CMS NCD LCD coverage "+cptCode, CMSDomains, 3)
	if err != nil {
		res["status"] = StatusUnverified
		return res
	}

	urls := resultURLs(resp)
	refs := []string{}
	for _, r := range resp.Results {
		title := strings.TrimSpace(r.Title)
		if title != "" && (strings.Contains(title, "NCD") || strings.Contains(title, "LCD") || strings.Contains(strings.ToLower(title), "coverage")) {
			refs = append(refs, title)
		}
	}
	if len(refs) > 10 {
		refs = refs[:10]
	}
	notes := truncate(strings.TrimSpace(resp.Answer), 1000)

	res["source_urls"] = urls
	res["coverage_notes"] = notes
	res["ncd_lcd_references"] = refs
	if len(urls) == 0 && notes == "" {
		res["status"] = StatusUnverified
	}
	return res
}

func LookupFDA(ctx context.Context, s Searcher, name string) Result {
	name = strings.TrimSpace(name)
	res := Result{
		"approval_status":  "",
		"indication_match": false,
		"recall_info":      "",
		"source_urls":      []string{},
	}
	if name == "" {
		res["status"] = StatusUnverified
		return res
	}

	resp, err := search(ctx, s, "FDA approval recall "+name, FDADomains, 3)
	if err != nil {
		res["status"] = StatusUnverified
		return res
	}

	urls := resultURLs(resp)
	res["source_urls"] = urls

	answer := strings.TrimSpace(resp.Answer)
	if answer != "" {
		lower := strings.ToLower(answer)
		res["approval_status"] = truncate(answer, 500)
		res["indication_match"] = strings.Contains(lower, "approved") && !strings.Contains(lower, "recall")
		if strings.Contains(lower, "recall") {
			res["recall_info"] = truncate(answer, 500)
		}
	}
	if len(urls) == 0 && answer == "" {
		res["status"] = StatusUnverified
	}
	return res
}

// SearchPubMed returns up to three literature items. The result's
// source_urls aggregates every item URL.
func SearchPubMed(ctx context.Context, s Searcher, query string) Result {
	query = strings.TrimSpace(query)
	unverified := func() Result {
		return Result{
			"items": []map[string]any{{
				"pmid": nil, "citation": "", "relevance_summary": "", "source_urls": []string{}, "status": StatusUnverified,
			}},
			"source_urls": []string{},
			"status":      StatusUnverified,
		}
	}
	if query == "" {
		return unverified()
	}

	resp, err := search(ctx, s, "site:pubmed.ncbi.nlm.nih.gov "+query, PubMedDomains, 3)
	if err != nil || len(resp.Results) == 0 {
		return unverified()
	}

	items := make([]map[string]any, 0, len(resp.Results))
	all := []string{}
	for _, r := range resp.Results {
		url := strings.TrimSpace(r.URL)
		title := strings.TrimSpace(r.Title)
		content := truncate(r.Content, 300)

		var pmid any
		if strings.Contains(url, "pubmed.ncbi.nlm.nih.gov") {
			if m := pmidPattern.FindString(url); m != "" {
				pmid = m
			}
		}
		citation := title
		if citation == "" {
			citation = content
		}
		urls := []string{}
		if url != "" {
			urls = append(urls, url)
			all = append(all, url)
		}
		items = append(items, map[string]any{
			"pmid":              pmid,
			"citation":          citation,
			"relevance_summary": content,
			"source_urls":       urls,
		})
	}
	return Result{"query": query, "items": items, "source_urls": all}
}

func search(ctx context.Context, s Searcher, query string, domains []string, maxResults int) (resp *SearchResponse, err error) {
	if s == nil {
		return nil, ErrNoAPIKey
	}
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("search panicked: %v", p)
		}
	}()
	resp, err = s.Search(ctx, query, domains, maxResults)
	if err == nil && resp == nil {
		err = fmt.Errorf("empty search response")
	}
	return resp, err
}

func resultURLs(resp *SearchResponse) []string {
	urls := []string{}
	for _, r := range resp.Results {
		if u := strings.TrimSpace(r.URL); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > 5 {
		urls = urls[:5]
	}
	return urls
}

func joinContent(resp *SearchResponse, limit int) string {
	parts := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		parts = append(parts, truncate(r.Content, limit))
	}
	return strings.Join(parts, " ")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
