package reverie

// SegmentMessage splits text into an ordered sequence of chunks, each
// at most limit runes, for delivery as multiple platform messages.
//
// Chunks are taken greedily. When a cut is needed, the split point is
// chosen to avoid breaking mid-sentence where possible: the nearest
// paragraph break before the limit is preferred, then the nearest
// sentence-ending punctuation, but only when found past the halfway
// point of the window - otherwise the text is hard-cut exactly at the
// limit. Concatenating the returned chunks always reproduces the
// input exactly.
func SegmentMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit < 1 || len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		cut := limit
		if at, ok := paragraphBreak(runes, limit); ok {
			cut = at
		} else if at, ok = sentenceEnd(runes, limit); ok {
			cut = at
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// paragraphBreak finds the cut position just after the last "\n\n"
// inside the window, if it lies past the window's halfway point.
func paragraphBreak(runes []rune, limit int) (int, bool) {
	for i := limit - 2; i > limit/2-2 && i >= 0; i-- {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			cut := i + 2
			if cut > limit/2 {
				return cut, true
			}
			return 0, false
		}
	}
	return 0, false
}

// sentenceEnd finds the cut position just after the last sentence-
// ending punctuation (followed by a space or newline) inside the
// window, if it lies past the window's halfway point.
func sentenceEnd(runes []rune, limit int) (int, bool) {
	for i := limit - 1; i > limit/2-1 && i >= 0; i-- {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' && runes[i+1] != '\n' {
			continue
		}
		cut := i + 1
		if cut > limit/2 {
			return cut, true
		}
		return 0, false
	}
	return 0, false
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
