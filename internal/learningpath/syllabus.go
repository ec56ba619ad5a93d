package learningpath

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

var multiNewline = regexp.MustCompile(`\n{3,}`)

// ExtractSyllabusText pulls plain text out of an uploaded syllabus PDF.
// Pages that fail to decode are skipped; the remaining pages still give the
// plan generator useful topic coverage.
func ExtractSyllabusText(r io.ReaderAt, size int64) (string, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("reading PDF: %w", err)
	}

	var sb strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		p := reader.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}

		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	out := strings.TrimSpace(multiNewline.ReplaceAllString(sb.String(), "\n\n"))
	if out == "" {
		return "", fmt.Errorf("no extractable text in PDF")
	}
	return out, nil
}
