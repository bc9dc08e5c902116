package synth

import "strconv"

// maxMarkerDigits bounds how many digits a citation marker may carry; longer
// bracketed numbers are treated as plain text.
const maxMarkerDigits = 3

// markerScanner extracts [n] citation markers from a fragment stream. Markers
// referencing entries outside 1..max are stripped from the text. A fragment
// boundary may split a marker, so a trailing partial marker is held back
// until the next feed.
type markerScanner struct {
	max     int
	pending string
}

// feed processes one fragment and returns the resolved text plus the marker
// indexes it contains, in order.
func (ms *markerScanner) feed(frag string) (string, []int) {
	s := ms.pending + frag
	ms.pending = ""

	var out []byte
	var cites []int
	i := 0
	for i < len(s) {
		if s[i] != '[' {
			out = append(out, s[i])
			i++
			continue
		}

		j := i + 1
		for j < len(s) && j-i-1 < maxMarkerDigits && s[j] >= '0' && s[j] <= '9' {
			j++
		}

		switch {
		case j == len(s):
			// Possibly split across fragments; hold back.
			ms.pending = s[i:]
			i = len(s)
		case j > i+1 && s[j] == ']':
			n, _ := strconv.Atoi(s[i+1 : j])
			if n >= 1 && n <= ms.max {
				out = append(out, s[i:j+1]...)
				cites = append(cites, n)
			}
			// Out-of-range markers are stripped entirely.
			i = j + 1
		default:
			// Not a marker: emit the bracket and continue.
			out = append(out, '[')
			i++
		}
	}
	return string(out), cites
}

// flush releases any held-back partial marker as plain text.
func (ms *markerScanner) flush() string {
	p := ms.pending
	ms.pending = ""
	return p
}
