package knowledge

import "strings"

const (
	maxChunkBytes = 1000
	chunkOverlap  = 50
)

type chunk struct {
	content     string
	startOffset int
	endOffset   int
}

// chunkContent splits on line boundaries into pieces of at most
// maxChunkBytes, carrying a short overlap into the next piece. Lines longer
// than the limit become their own chunk.
func chunkContent(content string) []chunk {
	var chunks []chunk
	var cur strings.Builder
	start, offset := 0, 0

	emit := func() {
		if text := strings.TrimSpace(cur.String()); text != "" {
			chunks = append(chunks, chunk{content: text, startOffset: start, endOffset: offset})
		}
	}

	for _, line := range strings.Split(content, "\n") {
		n := len(line) + 1
		if cur.Len() > 0 && cur.Len()+n > maxChunkBytes {
			emit()
			prev := cur.String()
			cur.Reset()
			start = offset
			if len(prev) > chunkOverlap {
				tail := prev[len(prev)-chunkOverlap:]
				// keep the overlap on a valid UTF-8 boundary
				for len(tail) > 0 && !isRuneStart(tail[0]) {
					tail = tail[1:]
				}
				cur.WriteString(tail)
				start = offset - len(tail)
			}
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		offset += n
	}
	if len(chunks) == 0 || strings.TrimSpace(cur.String()) != "" {
		emit()
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
