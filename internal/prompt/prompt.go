package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/paflow/internal/models"
)

// Guardrails opens every prompt verbatim.
const Guardrails = "This is administrative decision support. " +
	"Requires human clinical and administrative review. " +
	"Do not provide medical advice."

// SearchPolicy is injected for steps that call lookup tools.
const SearchPolicy = `## Authoritative Web Search (when you use tools)

Purpose: Controlled, auditable mechanism for retrieving reference information when direct APIs are unavailable. Governs WHERE and HOW web search may be used.

When to Use: When ICD-10/CPT/HCPCS validation, CMS NCD/LCD coverage, FDA approval/recall, PubMed/guideline evidence, or provider/payer references are needed.

Allowed Search Domains: cms.gov, icd.codes, icd10data.com, ama-assn.org, npiregistry.cms.hhs.gov, providerdata.cms.gov, fda.gov, pubmed.ncbi.nlm.nih.gov, specialty society sites. Non-authoritative sites (blogs, forums, marketing) are NOT permitted.

Search Construction Rules: Use explicit site constraints; use exact codes/identifiers; prefer official government or society sources; limit to top 3 relevant findings; do not combine unrelated queries.

Output Requirements: For every search return query used, source URLs, extracted factual summary, confidence (high/medium/low), verification_status (verified/partially_verified/unverified).

Prohibited: Do NOT infer facts not found in results; do NOT claim official determinations; do NOT fabricate citations; do NOT override payer-specific policies.

Cite URLs when using web search tools.`

var toolSteps = map[string]bool{
	models.StepCodingValidation:    true,
	models.StepCoverageEligibility: true,
	models.StepMedicalNecessity:    true,
	models.StepAppealDrafter:       true,
}

// UsesTools reports whether step gets the search policy block.
func UsesTools(step string) bool {
	return toolSteps[step]
}

const defaultToolUsage = "Use tools only when they apply to the input data."

var toolUsage = map[string]string{
	models.StepCodingValidation: "You MUST use lookup_icd10 for each diagnosis code and lookup_cpt for each procedure code, " +
		"and lookup_npi for the provider. Do not infer ICD validity without lookup_icd10. " +
		"Do not claim procedure code validity without lookup_cpt. Do not claim NPI validity without lookup_npi. " +
		"If a tool is not called for a code or NPI, set that item's status to 'unverified' in the output.\n\n" +
		"Where to get tool arguments (from the Input JSON above): " +
		"Get diagnosis codes from Input.diagnoses and call lookup_icd10(code=<code>) or lookup_icd10(condition=<description>). " +
		"Get procedure codes from Input.procedures_requested and call lookup_cpt(code=<code>). " +
		"Get NPI from Input.provider.npi and call lookup_npi(npi=<value>). " +
		"Extract these values from the Input; do not call tools without them.",
	models.StepCoverageEligibility: "You MUST use lookup_cms_coverage for procedure coverage and lookup_fda for device/drug approval when relevant. " +
		"Do not claim coverage or FDA approval without calling these tools. " +
		"If you do not call them, mark coverage/FDA fields as 'unverified'.\n\n" +
		"Where to get tool arguments (from the Input JSON above): " +
		"Get procedure codes from Input.procedures_requested (use the code field for each procedure) and call lookup_cms_coverage(cpt_code=<code>) for each. " +
		"For devices or drugs mentioned in the case, call lookup_fda(name=<device or drug name>). " +
		"Do not call tools without these arguments from the Input.",
	models.StepMedicalNecessity: "You MUST use search_pubmed for evidence and lookup_fda for indication validation when relevant. " +
		"Do not cite literature or FDA status without tool output. " +
		"If tools are not used, mark evidence/FDA fields as 'unverified'.\n\n" +
		"Where to get tool arguments (from the Input JSON above): " +
		"Build search queries from Input (diagnoses, procedure_descriptions, clinical_findings) and call search_pubmed(query=<your query>). " +
		"For devices or drugs in the case, call lookup_fda(name=<name>). " +
		"Use only values present in the Input.",
	models.StepAppealDrafter: "You MUST use search_pubmed to support appeal arguments when citing literature. " +
		"Cite URLs when using web search tools. " +
		"If you do not use search_pubmed for citations, mark those as 'unverified'.\n\n" +
		"Where to get tool arguments (from the Input JSON above): " +
		"Build search queries from Input.denial_reasons and case_data. Call search_pubmed(query=<query>) to support appeal arguments. " +
		"Use denial reasons and case facts from the Input.",
}

// ToolUsage returns the per-step directive describing which tools to call.
func ToolUsage(step string) string {
	if s, ok := toolUsage[step]; ok {
		return s
	}
	return defaultToolUsage
}

// Build assembles the prompt for one step. The result depends only on its
// arguments.
func Build(s *models.SkillSpec, input map[string]any) string {
	parts := []string{Guardrails, "", fmt.Sprintf("I am executing skill: %s", s.Name), ""}

	if UsesTools(s.Name) {
		parts = append(parts, SearchPolicy, "")
	}

	parts = append(parts,
		"## Your role",
		s.Role,
		"",
		"## Instructions",
		s.Instructions,
		"",
		"## Tool usage",
		ToolUsage(s.Name),
		"",
		"## Input (use this to produce the output)",
		"```json",
		formatInput(input),
		"```",
		"",
		"## Required output",
		"Respond with ONLY a single JSON object that conforms to this schema. No other text.",
		"Where you used tools, include in the output: source: 'tool' or 'web_search', confidence: 'high' or 'medium' or 'low', and citations: [list of URLs]. "+
			"Do not change the rest of the output schema; add these fields only where they apply (e.g. per code or per finding).",
		"```json",
		s.OutputSchema,
		"```",
	)

	return strings.Join(parts, "\n")
}

func formatInput(input map[string]any) string {
	if input == nil {
		input = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(input); err != nil {
		return fmt.Sprintf("%v", input)
	}
	return strings.TrimRight(buf.String(), "\n")
}
