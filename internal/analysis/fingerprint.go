// Package analysis orchestrates the cached, slot-by-slot enrichment of
// articles: rule candidates, query translation, and LLM generations.
package analysis

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/threatdesk/threatdesk/internal/models"
)

// CacheKey fingerprints one analysis identity. Any change to the
// article, the primary rule, or the prompt version lands in a fresh
// cache row.
func CacheKey(articleID, ruleID, promptVersion string) string {
	return sha1Hex(fmt.Sprintf("%s:%s:%s", articleID, ruleID, promptVersion))
}

// RulesetFingerprint hashes the candidate set an analysis was computed
// against, order-independently.
func RulesetFingerprint(ruleIDs []string) string {
	return sha1Hex(models.RulesetHash(ruleIDs))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
