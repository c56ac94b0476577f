package ocr

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Light-touch cleaning of raw engine output:
//   - strips zero-width / invisible unicode characters and the page-break
//     form feed tesseract appends
//   - normalises line endings
//   - removes trailing whitespace per line
var (
	invisibleChars = regexp.MustCompile("[\u200B-\u200D\uFEFF\u00AD\u2060\f]")
	trailingSpaces = regexp.MustCompile(`(?m)[ \t]+$`)
)

// ReadArtifact reads an engine output file into ordered lines.
func ReadArtifact(path string) (Text, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ocr output: %w", err)
	}
	return SplitLines(string(b)), nil
}

// SplitLines cleans raw OCR output and splits it into lines. Interior blank
// lines are kept; leading and trailing ones are not.
func SplitLines(raw string) Text {
	raw = invisibleChars.ReplaceAllString(raw, "")
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	raw = trailingSpaces.ReplaceAllString(raw, "")
	raw = strings.Trim(raw, "\n")
	if strings.TrimSpace(raw) == "" {
		return Text{}
	}
	return Text(strings.Split(raw, "\n"))
}

// Empty reports whether t has no non-blank line.
func (t Text) Empty() bool {
	for _, ln := range t {
		if strings.TrimSpace(ln) != "" {
			return false
		}
	}
	return true
}
