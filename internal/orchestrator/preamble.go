package orchestrator

import "bytes"

// BodyMarker separates the preamble from the main body.
var BodyMarker = []byte(`\begin{document}`)

// SplitPreamble splits src after the last body marker; the marker belongs to
// the preamble. Without a marker the preamble is empty.
func SplitPreamble(src []byte) (preamble, body []byte) {
	i := bytes.LastIndex(src, BodyMarker)
	if i < 0 {
		return nil, src
	}
	end := i + len(BodyMarker)
	return src[:end], src[end:]
}
