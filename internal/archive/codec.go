// Package archive converts between a Scratch project archive (a zip file
// holding project.json and its assets) and a flat workspace directory with
// one file per archive entry.
//
// The workspace is the source of truth between syncs. Pack reads it and
// produces archive bytes; Unpack writes archive entries into it. Neither
// operation deletes workspace files.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// Sentinel errors. Callers use errors.Is to tell them apart.
var (
	// ErrInvalidManifest is returned by Pack when project.json does not
	// parse as JSON. No archive bytes are produced.
	ErrInvalidManifest = errors.New("archive: project.json is not valid JSON")

	// ErrCorruptArchive is returned by Unpack when the bytes cannot be
	// opened as a zip container. The workspace is left untouched.
	ErrCorruptArchive = errors.New("archive: cannot open zip container")

	// ErrArchiveTooLarge is returned by Unpack when the archive exceeds
	// Options.MaxArchiveSize.
	ErrArchiveTooLarge = errors.New("archive: archive exceeds size limit")
)

// Default permissions for files and directories written into a workspace.
const (
	DefaultFilePerm os.FileMode = 0o644
	DefaultDirPerm  os.FileMode = 0o755
)

// Options configures a Codec.
type Options struct {
	Exclude        []string    // extra glob patterns kept out of archives
	FilePerm       os.FileMode // mode for files written by Unpack/Bootstrap
	DirPerm        os.FileMode // mode for a workspace created on demand
	MaxArchiveSize int64       // 0 = unlimited
	MaxEntrySize   int64       // 0 = unlimited
}

// DefaultOptions returns Options with the default permissions and no limits.
func DefaultOptions() Options {
	return Options{
		FilePerm: DefaultFilePerm,
		DirPerm:  DefaultDirPerm,
	}
}

// Summary describes what a Pack or Unpack call did.
type Summary struct {
	Entries  int   // files packed or written
	Bytes    int64 // archive size (Pack) or bytes written (Unpack)
	Excluded int   // excluded names skipped
	Skipped  int   // files skipped after an I/O error or size limit
	Rejected int   // unsafe entry names refused (Unpack only)
}

// Codec packs and unpacks workspaces. It holds no per-call state and is
// safe for concurrent use.
type Codec struct {
	opts   Options
	logger *slog.Logger
}

// NewCodec creates a Codec. Zero permissions fall back to the defaults.
func NewCodec(opts Options, logger *slog.Logger) *Codec {
	if opts.FilePerm == 0 {
		opts.FilePerm = DefaultFilePerm
	}

	if opts.DirPerm == 0 {
		opts.DirPerm = DefaultDirPerm
	}

	return &Codec{opts: opts, logger: logger}
}

// Pack builds an archive from the regular files directly inside workspace.
// Entries are stored uncompressed, in name order. A project.json that is not
// valid JSON aborts the whole pack with ErrInvalidManifest. Unreadable files
// are logged and left out.
func (c *Codec) Pack(ctx context.Context, workspace string) ([]byte, *Summary, error) {
	dirEntries, err := os.ReadDir(workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: reading workspace %s: %w", workspace, err)
	}

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	sum := &Summary{}

	for _, d := range dirEntries {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("archive: pack canceled: %w", ctx.Err())
		}

		// Sub-directories, symlinks and special files are never packed.
		if !d.Type().IsRegular() {
			continue
		}

		name := d.Name()
		if c.isExcluded(name) {
			c.logger.Debug("pack: skipping excluded file", slog.String("name", name))
			sum.Excluded++

			continue
		}

		if err := c.packFile(zw, workspace, d, sum); err != nil {
			return nil, nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("archive: finishing zip: %w", err)
	}

	sum.Bytes = int64(buf.Len())

	c.logger.Debug("pack complete",
		slog.String("workspace", workspace),
		slog.Int("entries", sum.Entries),
		slog.Int64("bytes", sum.Bytes),
	)

	return buf.Bytes(), sum, nil
}

// packFile adds one workspace file to the zip. Only a manifest validation
// failure is returned; I/O problems are logged and counted as skipped.
func (c *Codec) packFile(zw *zip.Writer, workspace string, d os.DirEntry, sum *Summary) error {
	name := d.Name()
	fsPath := filepath.Join(workspace, name)

	info, err := d.Info()
	if err != nil {
		c.logger.Warn("pack: stat failed (file may have disappeared)",
			slog.String("name", name), slog.String("error", err.Error()))
		sum.Skipped++

		return nil
	}

	content, err := os.ReadFile(fsPath)
	if err != nil {
		c.logger.Error("pack: read failed",
			slog.String("name", name), slog.String("error", err.Error()))
		sum.Skipped++

		return nil
	}

	if name == ManifestName {
		if err := validateManifest(content); err != nil {
			c.logger.Error("pack: JSON syntax error in project.json", slog.String("error", err.Error()))
			return err
		}
	}

	hdr := &zip.FileHeader{
		Name:     nfcNormalize(name),
		Method:   zip.Store,
		Modified: info.ModTime(),
	}

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		c.logger.Error("pack: creating zip entry failed",
			slog.String("name", name), slog.String("error", err.Error()))
		sum.Skipped++

		return nil
	}

	if _, err := w.Write(content); err != nil {
		c.logger.Error("pack: writing zip entry failed",
			slog.String("name", name), slog.String("error", err.Error()))
		sum.Skipped++

		return nil
	}

	sum.Entries++

	return nil
}

// Unpack writes every file entry of data into workspace, creating the
// directory when missing. project.json is pretty-printed when it parses.
// Existing workspace files absent from the archive are kept. Data that is
// not a zip container fails with ErrCorruptArchive before anything is
// written; per-entry failures are logged and skipped.
func (c *Codec) Unpack(ctx context.Context, workspace string, data []byte) (*Summary, error) {
	if c.opts.MaxArchiveSize > 0 && int64(len(data)) > c.opts.MaxArchiveSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrArchiveTooLarge, len(data), c.opts.MaxArchiveSize)
	}

	// Non-local names are screened per entry by safeEntryName, so the
	// reader's own insecure-path signal is not fatal here.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		c.logger.Error("unpack: failed to open archive", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}

	if err := os.MkdirAll(workspace, c.opts.DirPerm); err != nil {
		return nil, fmt.Errorf("archive: creating workspace %s: %w", workspace, err)
	}

	sum := &Summary{}

	for _, f := range zr.File {
		if ctx.Err() != nil {
			return sum, fmt.Errorf("archive: unpack canceled: %w", ctx.Err())
		}

		if f.FileInfo().IsDir() {
			continue
		}

		c.unpackEntry(workspace, f, sum)
	}

	c.logger.Info("extracted archive into workspace",
		slog.String("workspace", workspace),
		slog.Int("entries", sum.Entries),
		slog.Int("rejected", sum.Rejected),
		slog.Int("skipped", sum.Skipped),
	)

	return sum, nil
}

// unpackEntry writes a single zip entry into the workspace, updating sum.
func (c *Codec) unpackEntry(workspace string, f *zip.File, sum *Summary) {
	name, ok := safeEntryName(f.Name)
	if !ok {
		c.logger.Warn("unpack: rejecting unsafe entry name", slog.String("entry", f.Name))
		sum.Rejected++

		return
	}

	if c.isExcluded(name) {
		c.logger.Debug("unpack: skipping excluded entry", slog.String("name", name))
		sum.Excluded++

		return
	}

	content, err := c.readEntry(f)
	if err != nil {
		c.logger.Error("unpack: reading entry failed",
			slog.String("name", name), slog.String("error", err.Error()))
		sum.Skipped++

		return
	}

	if name == ManifestName {
		content = prettyManifest(content)
	}

	outPath := filepath.Join(workspace, name)
	if err := os.WriteFile(outPath, content, c.opts.FilePerm); err != nil {
		c.logger.Error("unpack: writing file failed",
			slog.String("path", outPath), slog.String("error", err.Error()))
		sum.Skipped++

		return
	}

	sum.Entries++
	sum.Bytes += int64(len(content))
}

// readEntry reads an entry fully, enforcing MaxEntrySize against the actual
// stream rather than the header's declared size.
func (c *Codec) readEntry(f *zip.File) ([]byte, error) {
	limit := c.opts.MaxEntrySize
	if limit > 0 && f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("entry declares %d bytes (limit %d)", f.UncompressedSize64, limit)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if limit > 0 && int64(len(content)) > limit {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}

	return content, nil
}

// validateManifest checks that content parses as a single JSON value.
func validateManifest(content []byte) error {
	var raw json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	return nil
}

// prettyManifest re-indents valid JSON with two spaces, keeping key order
// and number formatting. Invalid JSON is returned unchanged.
func prettyManifest(raw []byte) []byte {
	var out bytes.Buffer
	if err := json.Indent(&out, bytes.TrimSpace(raw), "", "  "); err != nil {
		return raw
	}

	out.WriteByte('\n')

	return out.Bytes()
}
