package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/logger"
)

const localScheme = "file://"

// LocalStore keeps uploaded CSVs on the local filesystem, one file per
// mailing. Pointers look like file:///abs/path and are only resolvable by
// the process (or volume) that wrote them.
type LocalStore struct {
	dir string
	log zerolog.Logger
}

func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{dir: abs, log: logger.Component("storage")}, nil
}

func (s *LocalStore) Save(ctx context.Context, mailingID uuid.UUID, filename string, r io.Reader) (string, error) {
	path := filepath.Join(s.dir, mailingID.String()+"_"+sanitizeFilename(filename))

	f, err := os.Create(path)
	if err != nil {
		return "", &domain.StorageError{Op: "save", Err: err}
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", &domain.StorageError{Op: "save", Err: err}
	}

	s.log.Debug().
		Str("mailing_id", mailingID.String()).
		Int64("bytes", written).
		Msg("csv stored locally")

	return localScheme + path, nil
}

func (s *LocalStore) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if !strings.HasPrefix(url, localScheme) {
		return nil, &domain.StorageError{
			Op:        "open",
			Permanent: true,
			Err:       fmt.Errorf("unsupported pointer %q", url),
		}
	}

	f, err := os.Open(strings.TrimPrefix(url, localScheme))
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Permanent: os.IsNotExist(err), Err: err}
	}
	return f, nil
}

// sanitizeFilename strips directory components so a crafted upload name
// cannot escape the storage root.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "" || base == string(filepath.Separator) {
		return "upload.csv"
	}
	return base
}
