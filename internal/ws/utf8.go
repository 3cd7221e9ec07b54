// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import "unicode/utf8"

// runeSplitter holds back an incomplete UTF-8 sequence at the end of a
// chunk so that no output frame ends in the middle of a character.
type runeSplitter struct {
	pending []byte
}

// Split returns the longest prefix of pending+chunk that does not end in a
// partial rune, keeping the remainder (at most 3 bytes) for the next call.
func (s *runeSplitter) Split(chunk []byte) []byte {
	buf := chunk
	if len(s.pending) > 0 {
		buf = append(s.pending, chunk...)
		s.pending = nil
	}

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}

	if cut < len(buf) {
		s.pending = append([]byte(nil), buf[cut:]...)
	}
	return buf[:cut]
}

// Flush returns whatever is still held back.
func (s *runeSplitter) Flush() []byte {
	rest := s.pending
	s.pending = nil
	return rest
}
