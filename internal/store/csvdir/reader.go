package csvdir

import (
	"encoding/csv"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// countingReader tracks bytes handed to the CSV parser so extraction logs
// can report file sizes without a separate stat.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// sanitize strips a leading byte order mark and replaces invalid UTF-8
// with U+FFFD. Exports from Windows tools routinely carry both.
func sanitize(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// newCSVReader is tolerant of the usual hand-edited file defects: stray
// quotes inside fields and rows with a varying number of cells.
func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}
