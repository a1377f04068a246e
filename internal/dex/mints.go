package dex

import "regexp"

// base58AddressRe matches Solana addresses embedded in log text: base58
// alphabet, 32 to 44 characters.
var base58AddressRe = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)

// knownProgramIDs are addresses that show up in nearly every swap log
// but are never token mints. They are excluded from mint extraction so
// that target-mint filtering keys on actual tokens.
var knownProgramIDs = map[string]struct{}{
	"11111111111111111111111111111111":             {}, // System Program
	"So11111111111111111111111111111111111111112":  {}, // Wrapped SOL mint
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": {}, // Raydium V4 AMM
	"CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK": {}, // Raydium CLMM
	"pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA":  {}, // PumpSwap AMM
	"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P":  {}, // Pump.fun
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  {}, // Token Program
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL": {}, // Associated Token Program
	"ComputeBudget111111111111111111111111111111":  {}, // Compute Budget
}

// extractMints collects every mint-looking address from the log lines,
// skipping well-known program ids. The result is deduplicated but
// unordered.
func extractMints(logs []string) []string {
	seen := make(map[string]struct{})
	var mints []string

	for _, line := range logs {
		for _, addr := range base58AddressRe.FindAllString(line, -1) {
			if _, known := knownProgramIDs[addr]; known {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			mints = append(mints, addr)
		}
	}
	return mints
}

// mintSetContains reports whether target appears in mints.
func mintSetContains(mints []string, target string) bool {
	for _, m := range mints {
		if m == target {
			return true
		}
	}
	return false
}

// rejectForeignMint implements the negative-filtering rule shared by all
// log parsers: when a target mint is known and the transaction mentions
// other mints but not the target, the transaction belongs to someone
// else's token and must be skipped.
func rejectForeignMint(targetMint string, mints []string) bool {
	return targetMint != "" && len(mints) > 0 && !mintSetContains(mints, targetMint)
}
