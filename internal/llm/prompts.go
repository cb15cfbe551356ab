package llm

import "fmt"

// contentClip bounds how much article body goes into a prompt.
const contentClip = 10000

// SummaryPrompt asks for a short SOC-facing summary of a news article.
func SummaryPrompt(title, content string) (system, user string) {
	system = "You are a senior SOC analyst summarizing threat intelligence."
	if content == "" {
		content = "No content provided."
	}
	user = fmt.Sprintf(`Summarize this threat news in 2-3 concise sentences for a SOC team in English.
Focus on what happened and why it matters.
Title: %s
Content: %s`, title, clip(content))
	return system, user
}

// ReasoningPrompt asks why a detection rule is relevant to an article.
func ReasoningPrompt(ruleTitle, ruleDescription, articleTitle string) (system, user string) {
	system = "You are a detection engineer explaining rule relevance."
	if ruleDescription == "" {
		ruleDescription = "N/A"
	}
	user = fmt.Sprintf(`Explain in 2 concise sentences in English why the Sigma rule "%s" is relevant to the threat news "%s".
Rule Description: %s`, ruleTitle, articleTitle, ruleDescription)
	return system, user
}

// ExplanationPrompt asks what a translated search query detects.
func ExplanationPrompt(query, ruleTitle string) (system, user string) {
	system = "You are a SOC analyst explaining search logic."
	user = fmt.Sprintf(`Explain in 2-3 concise sentences in English what this search query is looking for and how it detects the threat described in "%s".
Query: %s`, ruleTitle, query)
	return system, user
}

func clip(s string) string {
	if len(s) > contentClip {
		return s[:contentClip]
	}
	return s
}
