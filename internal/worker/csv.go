package worker

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/opsmailer/mailing-service/internal/domain"
)

const (
	encodingUTF8   = "utf-8"
	encodingLatin1 = "latin-1"

	// encodingSampleSize bounds how much of the file the charset sniff reads.
	encodingSampleSize = 8 * 1024
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// recipientFile is a downloaded CSV opened for two passes: the first counts
// data rows and locates the email column, the second streams rows from the
// resume index. Both passes share one encoding decision made from a sample
// of the raw bytes.
type recipientFile struct {
	f        *os.File
	encoding string
	dataFrom int64 // byte offset past the BOM, if any
	emailCol int
	rows     int
}

// openRecipientFile sniffs the encoding, scans the header and counts data
// rows. Structural problems (no header, no email column, undecodable CSV)
// are permanent: a redelivery reads the same bytes again.
func openRecipientFile(path string) (*recipientFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.StorageError{Op: "open csv", Err: err}
	}

	rf := &recipientFile{f: f, emailCol: -1}
	if err := rf.detectEncoding(); err != nil {
		f.Close()
		return nil, err
	}
	if err := rf.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return rf, nil
}

func (rf *recipientFile) Close() error {
	return rf.f.Close()
}

func (rf *recipientFile) detectEncoding() error {
	sample := make([]byte, encodingSampleSize)
	n, err := io.ReadFull(rf.f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return &domain.StorageError{Op: "sample csv", Err: err}
	}
	sample = sample[:n]

	switch {
	case bytes.HasPrefix(sample, utf8BOM):
		rf.encoding = encodingUTF8
		rf.dataFrom = int64(len(utf8BOM))
	case decodesAsUTF8(sample):
		rf.encoding = encodingUTF8
	default:
		rf.encoding = encodingLatin1
	}
	return nil
}

// decodesAsUTF8 reports whether the sample is valid UTF-8 once a rune cut
// in half by the sample boundary is discarded.
func decodesAsUTF8(sample []byte) bool {
	for i := 0; i < utf8.UTFMax && len(sample) > 0; i++ {
		r, size := utf8.DecodeLastRune(sample)
		if r != utf8.RuneError || size > 1 {
			break
		}
		sample = sample[:len(sample)-1]
	}
	return utf8.Valid(sample)
}

// scan is the first pass: header column lookup plus the data-row count.
func (rf *recipientFile) scan() error {
	r, err := rf.reader()
	if err != nil {
		return err
	}

	header, err := r.Read()
	if err == io.EOF {
		return &domain.StorageError{Op: "parse csv", Permanent: true, Err: fmt.Errorf("file has no header row")}
	}
	if err != nil {
		return &domain.StorageError{Op: "parse csv", Permanent: true, Err: fmt.Errorf("read header: %w", err)}
	}

	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "email") {
			rf.emailCol = i
			break
		}
	}
	if rf.emailCol < 0 {
		return &domain.StorageError{Op: "parse csv", Permanent: true, Err: fmt.Errorf("header has no email column")}
	}

	for {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return nil
			}
			return &domain.StorageError{Op: "parse csv", Permanent: true, Err: fmt.Errorf("count rows: %w", err)}
		}
		rf.rows++
	}
}

// reader rewinds the file and wraps it for the detected encoding. The csv
// reader is lenient about quoting and ragged rows: intake does not validate
// shape, so the worker meets whatever the upload contained.
func (rf *recipientFile) reader() (*csv.Reader, error) {
	if _, err := rf.f.Seek(rf.dataFrom, io.SeekStart); err != nil {
		return nil, &domain.StorageError{Op: "seek csv", Err: err}
	}

	var src io.Reader = rf.f
	if rf.encoding == encodingLatin1 {
		src = transform.NewReader(rf.f, charmap.ISO8859_1.NewDecoder())
	}

	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return r, nil
}

// dataRows is the second pass, positioned after the header and after skip
// already-processed rows.
func (rf *recipientFile) dataRows(skip int) (*csv.Reader, error) {
	r, err := rf.reader()
	if err != nil {
		return nil, err
	}
	for i := 0; i <= skip; i++ {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return r, nil
			}
			return nil, &domain.StorageError{Op: "parse csv", Permanent: true, Err: fmt.Errorf("skip to row %d: %w", skip, err)}
		}
	}
	return r, nil
}

// email pulls the recipient cell out of a record. Short records read as
// blank, which the row loop counts as a failure.
func (rf *recipientFile) email(record []string) string {
	if rf.emailCol >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[rf.emailCol])
}

// readBatch decodes up to max rows, bounding memory on large files. io.EOF
// with an empty batch marks the end; a short batch with io.EOF means the
// rows before the end were still read.
func readBatch(r *csv.Reader, max int) ([][]string, error) {
	batch := make([][]string, 0, max)
	for len(batch) < max {
		rec, err := r.Read()
		if err == io.EOF {
			return batch, io.EOF
		}
		if err != nil {
			return batch, &domain.StorageError{Op: "parse csv", Permanent: true, Err: err}
		}
		batch = append(batch, rec)
	}
	return batch, nil
}
