package embed

// tokenWindow is one overlapping slice of a tokenized text, ready to feed
// directly into a batch inference call.
type tokenWindow struct {
	ids  []uint32
	mask []uint32
}

// windowTokenIDs splits ids/mask into overlapping windows of at most
// `window` tokens with `stride` tokens of overlap between consecutive
// windows, mirroring the byte-window splitter's overlap behaviour but
// operating on already-tokenized ids instead of raw text offsets. A text
// shorter than one window returns a single window unchanged.
func windowTokenIDs(ids, mask []uint32, window, stride int) []tokenWindow {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) <= window {
		return []tokenWindow{{ids: ids, mask: mask}}
	}

	step := window - stride
	if step <= 0 {
		step = window
	}

	var windows []tokenWindow
	for start := 0; start < len(ids); start += step {
		end := start + window
		if end > len(ids) {
			end = len(ids)
		}
		windows = append(windows, tokenWindow{ids: ids[start:end], mask: mask[start:end]})
		if end == len(ids) {
			break
		}
	}
	return windows
}
