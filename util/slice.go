package util

func Contains(src []string, item string) bool {
	for _, v := range src {
		if v == item {
			return true
		}
	}
	return false
}

func ContainsAll(src []string, dst []string) bool {
	for _, v := range dst {
		if !Contains(src, v) {
			return false
		}
	}
	return true
}

// Dedup preserves first-seen order.
func Dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
