package linker

import "strings"

// FormatPairingCode groups a raw pairing code into 4-character segments
// joined by hyphens for readability ("ABCD1234" → "ABCD-1234"). Codes that
// are already grouped, or too short to group, pass through unchanged, so the
// function is idempotent.
func FormatPairingCode(code string) string {
	if len(code) <= 4 || strings.Contains(code, "-") {
		return code
	}
	groups := make([]string, 0, (len(code)+3)/4)
	for i := 0; i < len(code); i += 4 {
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		groups = append(groups, code[i:end])
	}
	return strings.Join(groups, "-")
}
