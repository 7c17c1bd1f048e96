// Package interceptor finds known secret values in message text.
package interceptor

// DetectedSecret represents a known secret found in a message
type DetectedSecret struct {
	// Path is the secret path the value belongs to
	Path string
	// Value is the secret value as stored, not as written in the message
	Value string
	// StartIndex is the position where the secret starts in the text
	StartIndex int
	// EndIndex is the position where the secret ends in the text
	EndIndex int
}

// Scan reports the first entry, in ascending path order, whose value occurs in
// text as a whole word, ignoring case. It performs no I/O.
func Scan(text string, snap *Snapshot) (DetectedSecret, bool) {
	if text == "" || snap == nil {
		return DetectedSecret{}, false
	}

	for _, e := range snap.entries {
		loc := e.matcher.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		return DetectedSecret{
			Path:       e.Path,
			Value:      e.Value,
			StartIndex: loc[2],
			EndIndex:   loc[3],
		}, true
	}

	return DetectedSecret{}, false
}
