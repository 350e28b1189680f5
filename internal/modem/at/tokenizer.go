package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing modem responses. It has the signature of
// bufio.SplitFunc so it can be used directly with bufio.Scanner.
//
// It splits the input by CRLF line endings. A bare "\n" is tolerated as a
// terminator too, some firmware revisions emit it after unsolicited lines.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[0:i], []byte{'\r'}), nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a modem output line.
func Classify(line string) ResponseType {
	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier:
		return TypeFinal
	case UrcRing:
		return TypeURC
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcNetReg),
		strings.HasPrefix(line, UrcGprsReg),
		strings.HasPrefix(line, UrcSimStatus):
		return TypeURC
	default:
		return TypeData
	}
}
