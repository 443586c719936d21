package download

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoSpool is returned by LoadSpool when nothing has been downloaded to dest.
var ErrNoSpool = errors.New("no spooled export")

// spoolMeta is persisted next to the spool so a later invocation can
// continue a partial transfer or reopen a finished one.
type spoolMeta struct {
	// BaseOffset is the stream offset of the first byte in the file.
	BaseOffset   int64  `json:"baseOffset"`
	Encoding     string `json:"encoding,omitempty"`
	AcceptRanges bool   `json:"acceptRanges,omitempty"`
	ETag         string `json:"etag,omitempty"`
	ExpectedMD5  []byte `json:"expectedMd5,omitempty"`
	Complete     bool   `json:"complete"`
}

func metaPath(dest string) string { return dest + ".meta" }
func partPath(dest string) string { return dest + ".part" }

func readMeta(dest string) (spoolMeta, error) {
	var m spoolMeta
	data, err := os.ReadFile(metaPath(dest))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding spool metadata: %w", err)
	}
	return m, nil
}

// writeMeta writes atomically via a temp file and rename.
func writeMeta(dest string, m spoolMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := metaPath(dest) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing spool metadata: %w", err)
	}
	return os.Rename(tmp, metaPath(dest))
}

// Spool is a fully downloaded and verified export on local disk.
type Spool struct {
	Path       string
	BaseOffset int64
	Encoding   string
	Size       int64
}

// LoadSpool returns the completed spool at dest, or ErrNoSpool.
func LoadSpool(dest string) (*Spool, error) {
	m, err := readMeta(dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSpool
		}
		return nil, err
	}
	if !m.Complete {
		return nil, ErrNoSpool
	}
	info, err := os.Stat(dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSpool
		}
		return nil, err
	}
	return &Spool{Path: dest, BaseOffset: m.BaseOffset, Encoding: m.Encoding, Size: info.Size()}, nil
}

// Open returns the decoded stream positioned at offset, along with the
// offset it actually starts at. When offset precedes the spool's base the
// stream starts at the base instead.
func (s *Spool) Open(offset int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening spool: %w", err)
	}
	start := offset
	if start < s.BaseOffset {
		start = s.BaseOffset
	}
	skip := start - s.BaseOffset

	br := bufio.NewReaderSize(f, 256<<10)
	if !isGzip(br) {
		if _, err := f.Seek(skip, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seeking spool: %w", err)
		}
		return f, start, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("opening gzip stream: %w", err)
	}
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, gz, skip); err != nil {
			gz.Close()
			f.Close()
			return nil, 0, fmt.Errorf("skipping to offset %d: %w", start, err)
		}
	}
	return &gzipFile{Reader: gz, f: f}, start, nil
}

// Remove deletes the spool and its metadata.
func (s *Spool) Remove() error {
	return Remove(s.Path)
}

// Remove deletes every file belonging to the spool at dest.
func Remove(dest string) error {
	var errs []error
	for _, p := range []string{dest, partPath(dest), metaPath(dest)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isGzip(br *bufio.Reader) bool {
	magic, err := br.Peek(2)
	return err == nil && magic[0] == 0x1f && magic[1] == 0x8b
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}
