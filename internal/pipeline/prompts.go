package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

const jsonOnly = " Respond with a single valid JSON object and nothing else."

const extractionSystem = "You are a business analyst extracting a structured company profile from an intake form." + jsonOnly

const extractionPrompt = `Extract the company profile from this submission.

Company: %s
Industry: %s
Challenge: %s
%s
Return JSON with these keys:
{"name": string, "industry": string, "revenue_range": string, "employee_count": string,
 "headquarters": string, "business_model": string, "target_market": string,
 "products": [string], "challenges": [string]}
Use an empty string for anything the submission does not state. Do not guess.`

const frameworksSystem = "You are a senior strategy consultant applying classic strategic frameworks." + jsonOnly

const frameworksPrompt = `Build strategic frameworks for this company.

Company profile:
%s

Business challenge: %s
%s
Return JSON:
{"swot": {"strengths": [string], "weaknesses": [string], "opportunities": [string], "threats": [string]},
 "pestel": {"political": [string], "economic": [string], "social": [string],
            "technological": [string], "environmental": [string], "legal": [string]},
 "okrs": [{"objective": string, "key_results": [string]}]}`

const competitiveSystem = "You are a competitive intelligence analyst." + jsonOnly

const competitivePrompt = `Map the competitive landscape for this company.

Company profile:
%s

SWOT:
%s

Return JSON:
{"competitors": [{"name": string, "positioning": string, "strengths": [string],
                  "weaknesses": [string], "threat_level": "low"|"medium"|"high"}],
 "differentiators": [string]}
List between 3 and 6 real or archetypal competitors.`

const riskSystem = "You are a risk analyst scoring strategic risks and prioritizing initiatives." + jsonOnly

const riskPrompt = `Assess risks and prioritize initiatives for this company.

Company profile:
%s

Strategic frameworks:
%s

Competitive matrix:
%s

Return JSON:
{"risks": [{"name": string, "category": string, "likelihood": 1-5, "impact": 1-5, "mitigation": string}],
 "priorities": [{"initiative": string, "impact": 1-10, "effort": 1-10}]}
Likelihood and impact are integers from 1 to 5.`

const executiveSystem = "You are a managing partner writing the executive summary of a strategy report for a CEO." + jsonOnly

const executivePrompt = `Write the executive summary for this strategy report.

Company: %s
Challenge: %s

Report sections:
%s

Return JSON:
{"headline": string, "summary": string, "key_recommendations": [string], "next_steps": [string]}
The summary is at most three paragraphs. Recommendations are concrete and ordered by priority.`

// render pretty-prints v for embedding in a prompt.
func render(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func enrichmentBlock(enrichment map[string]any) string {
	if len(enrichment) == 0 {
		return ""
	}
	return "Additional context:\n" + render(enrichment) + "\n"
}

func trendsBlock(trends map[string][]string) string {
	if len(trends) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known industry trends from prior analyses:\n")
	b.WriteString(render(trends))
	b.WriteString("\n")
	return b.String()
}
