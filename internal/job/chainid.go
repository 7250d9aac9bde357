package job

// NextChainID returns the first chain identifier in the sequence
// A, B, ..., Z, AA, AB, ... that is not in used.
func NextChainID(used []string) string {
	taken := make(map[string]struct{}, len(used))
	for _, id := range used {
		taken[id] = struct{}{}
	}
	for n := 0; ; n++ {
		id := chainLabel(n)
		if _, ok := taken[id]; !ok {
			return id
		}
	}
}

// chainLabel maps 0 -> A, 25 -> Z, 26 -> AA, in bijective base 26.
func chainLabel(n int) string {
	var b []byte
	for n++; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}
