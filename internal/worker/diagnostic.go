package worker

import (
	"bytes"
	"regexp"
)

// ansiPattern matches terminal escape sequences: CSI, OSC, DCS/SOS/PM/APC
// and charset selection.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[PX^_][^\x1b]*\x1b\\|\x1b\(B`)

// CleanDiagnostic turns a raw stderr chunk into diagnostic text. Colour codes
// emitted by worker loggers are removed along with surrounding whitespace.
// An empty result means the chunk carried nothing worth reporting.
func CleanDiagnostic(chunk []byte) string {
	return string(bytes.TrimSpace(ansiPattern.ReplaceAll(chunk, nil)))
}
