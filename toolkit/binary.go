package toolkit

// binaryThreshold is the share of unprintable characters above which tool
// output is treated as raw binary data.
const binaryThreshold = 0.05

// IsBinaryLike reports whether output looks like raw binary data: more than
// 5% of its characters are outside printable ASCII. Tabs, newlines and the
// other ASCII whitespace count as printable. Empty output is not binary.
func IsBinaryLike(output string) bool {
	if output == "" {
		return false
	}
	var total, unprintable int
	for _, r := range output {
		total++
		if !printable(r) {
			unprintable++
		}
	}
	return float64(unprintable)/float64(total) > binaryThreshold
}

func printable(r rune) bool {
	switch {
	case r >= ' ' && r <= '~':
		return true
	case r == '\t', r == '\n', r == '\r', r == '\v', r == '\f':
		return true
	}
	return false
}
