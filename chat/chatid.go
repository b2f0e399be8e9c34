package chat

// DeriveChatID returns the canonical room id for a two-party chat:
// the lexicographically smaller user id first, joined by an
// underscore. DeriveChatID(a, b) == DeriveChatID(b, a).
func DeriveChatID(a, b string) string {
	if a < b {
		return a + "_" + b
	}
	return b + "_" + a
}
