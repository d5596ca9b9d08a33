package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint returns a deterministic digest of the normalized instruction
// and options. Two requests with the same fingerprint are the same logical
// build: they share cache entries and at most one in-flight generation.
func Fingerprint(r Request) string {
	r.Normalize()

	instruction := strings.ToLower(strings.Join(strings.Fields(r.Instruction), " "))
	canonical := fmt.Sprintf("%s|%s|%s|%t|%d",
		instruction, r.AppType, r.Options.Strictness, r.Options.RunTests, r.Options.TimeBudgetSeconds)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
