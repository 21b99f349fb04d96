package stagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/strategy-cli/internal/model"
)

// DefaultKeyMaxChars bounds how much of the normalized input feeds the hash.
const DefaultKeyMaxChars = 4000

// Normalize lowercases s, strips accents, and collapses runs of whitespace
// so near-identical inputs share a cache key.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Key derives the content-addressed cache key for a stage input. Input is
// serialized as JSON (map keys sorted), normalized, and truncated to
// maxChars runes before hashing.
func Key(stage model.StageID, input any, maxChars int) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", eris.Wrap(err, "stagecache: marshal key input")
	}
	if maxChars <= 0 {
		maxChars = DefaultKeyMaxChars
	}

	normalized := []rune(Normalize(string(raw)))
	if len(normalized) > maxChars {
		normalized = normalized[:maxChars]
	}
	sum := sha256.Sum256([]byte(string(normalized)))
	return fmt.Sprintf("stage:%d:%s", int(stage), hex.EncodeToString(sum[:])), nil
}
