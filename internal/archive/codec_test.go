package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	return NewCodec(DefaultOptions(), testLogger(t))
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// buildZip assembles an archive from name/content pairs in the given order.
func buildZip(t *testing.T, entries ...[2]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e[0], Method: zip.Store})
		require.NoError(t, err)

		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// readZip returns the entries of an archive keyed by name.
func readZip(t *testing.T, data []byte) map[string]*zip.File {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	return files
}

// dirContents returns name -> content for every regular file in dir.
func dirContents(t *testing.T, dir string) map[string]string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)

		out[e.Name()] = string(data)
	}

	return out
}

func TestPack_RoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTestFile(t, src, ManifestName, `{"targets":[{"name":"Stage"}],"meta":{"semver":"3.0.0"}}`)
	writeTestFile(t, src, "abc.svg", "<svg/>")
	writeTestFile(t, src, "snd.wav", "RIFF\x00\x01\x02binary")

	codec := newTestCodec(t)

	data, sum, err := codec.Pack(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Entries)
	assert.Equal(t, int64(len(data)), sum.Bytes)

	dst := t.TempDir()
	_, err = codec.Unpack(context.Background(), dst, data)
	require.NoError(t, err)

	got := dirContents(t, dst)
	want := dirContents(t, src)

	require.Len(t, got, len(want))
	assert.Equal(t, want["abc.svg"], got["abc.svg"])
	assert.Equal(t, want["snd.wav"], got["snd.wav"])
	assert.JSONEq(t, want[ManifestName], got[ManifestName])
}

func TestPack_StoresEntriesUncompressed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{}`)
	writeTestFile(t, dir, "big.txt", strings.Repeat("a", 4096))

	data, _, err := newTestCodec(t).Pack(context.Background(), dir)
	require.NoError(t, err)

	files := readZip(t, data)
	require.Len(t, files, 2)

	for name, f := range files {
		assert.Equal(t, zip.Store, f.Method, "entry %s", name)
		assert.Equal(t, f.UncompressedSize64, f.CompressedSize64, "entry %s", name)
	}
}

func TestPack_ExcludesNotesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{}`)
	writeTestFile(t, dir, "EDITING.md", "# notes")
	writeTestFile(t, dir, "README.MD", "# more notes")
	writeTestFile(t, dir, "a.png", "png")

	data, sum, err := newTestCodec(t).Pack(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Excluded)

	files := readZip(t, data)
	assert.Contains(t, files, ManifestName)
	assert.Contains(t, files, "a.png")
	assert.NotContains(t, files, "EDITING.md")
	assert.NotContains(t, files, "README.MD")
}

func TestPack_ExtraExcludePatterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{}`)
	writeTestFile(t, dir, "scratch.swp", "tmp")
	writeTestFile(t, dir, ".DS_Store", "junk")

	codec := NewCodec(Options{Exclude: []string{"*.swp", ".DS_Store"}}, testLogger(t))

	data, _, err := codec.Pack(context.Background(), dir)
	require.NoError(t, err)

	files := readZip(t, data)
	assert.Len(t, files, 1)
	assert.Contains(t, files, ManifestName)
}

func TestPack_SkipsSubdirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{}`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeTestFile(t, filepath.Join(dir, "nested"), "inner.png", "png")

	data, _, err := newTestCodec(t).Pack(context.Background(), dir)
	require.NoError(t, err)

	files := readZip(t, data)
	assert.Len(t, files, 1)
}

func TestPack_InvalidManifestAborts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{invalid}`)
	writeTestFile(t, dir, "a.png", "png")

	data, sum, err := newTestCodec(t).Pack(context.Background(), dir)
	require.ErrorIs(t, err, ErrInvalidManifest)
	assert.Nil(t, data)
	assert.Nil(t, sum)
}

func TestPack_EmptyManifestIsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, "")

	_, _, err := newTestCodec(t).Pack(context.Background(), dir)
	require.ErrorIs(t, err, ErrInvalidManifest)
}

func TestPack_MissingWorkspace(t *testing.T) {
	t.Parallel()

	_, _, err := newTestCodec(t).Pack(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidManifest)
}

func TestPack_CanceledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newTestCodec(t).Pack(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPack_EntriesInNameOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"c.png", "a.png", ManifestName, "b.wav"} {
		writeTestFile(t, dir, name, name)
	}

	data, _, err := newTestCodec(t).Pack(context.Background(), dir)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}

	assert.True(t, sort.StringsAreSorted(names), "names = %v", names)
}

func TestUnpack_PrettyPrintsManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t, [2]string{ManifestName, `{"a":1}`})

	_, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)

	assert.JSONEq(t, `{"a":1}`, string(raw))
	assert.Greater(t, strings.Count(string(raw), "\n"), 1, "manifest should be multi-line")
	assert.Contains(t, string(raw), "  \"a\": 1")
}

func TestUnpack_PrettyPrintKeepsKeyOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t, [2]string{ManifestName, `{"z":1,"a":{"y":2.50,"b":[1,2]}}`})

	_, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)

	assert.Less(t, strings.Index(string(raw), `"z"`), strings.Index(string(raw), `"a"`))
	assert.Contains(t, string(raw), "2.50")
}

func TestUnpack_InvalidManifestWrittenRaw(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t, [2]string{ManifestName, `{broken`})

	_, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	assert.Equal(t, `{broken`, string(raw))
}

func TestUnpack_CorruptArchiveLeavesWorkspaceUntouched(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")

	_, err := newTestCodec(t).Unpack(context.Background(), dir, []byte("not a zip at all"))
	require.ErrorIs(t, err, ErrCorruptArchive)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "workspace must not be created for a corrupt archive")
}

func TestUnpack_CreatesMissingWorkspace(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "new", "ws")
	data := buildZip(t, [2]string{"a.png", "png"})

	sum, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Entries)
	assert.FileExists(t, filepath.Join(dir, "a.png"))
}

func TestUnpack_RejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "ws")

	data := buildZip(t,
		[2]string{"../escape.txt", "x"},
		[2]string{"/abs.txt", "x"},
		[2]string{`..\win.txt`, "x"},
		[2]string{"sub/inner.png", "x"},
		[2]string{"ok.png", "fine"},
	)

	sum, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Rejected)
	assert.Equal(t, 1, sum.Entries)

	assert.NoFileExists(t, filepath.Join(root, "escape.txt"))
	assert.Equal(t, map[string]string{"ok.png": "fine"}, dirContents(t, dir))
}

func TestUnpack_SkipsDirectoryEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t, [2]string{"assets/", ""}, [2]string{"a.png", "png"})

	sum, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Entries)
	assert.Equal(t, 0, sum.Rejected)
}

func TestUnpack_NeverCreatesNotesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t, [2]string{"EDITING.md", "# injected"}, [2]string{"a.png", "png"})

	sum, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Excluded)
	assert.NoFileExists(t, filepath.Join(dir, "EDITING.md"))
}

func TestUnpack_KeepsFilesMissingFromArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "stale.png", "old")

	_, err := newTestCodec(t).Unpack(context.Background(), dir, buildZip(t, [2]string{"a.png", "png"}))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "stale.png"))
	assert.FileExists(t, filepath.Join(dir, "a.png"))
}

func TestUnpack_Idempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t, [2]string{ManifestName, `{"a":[1,2]}`}, [2]string{"a.png", "png"})
	codec := newTestCodec(t)

	_, err := codec.Unpack(context.Background(), dir, data)
	require.NoError(t, err)

	first := dirContents(t, dir)

	_, err = codec.Unpack(context.Background(), dir, data)
	require.NoError(t, err)

	assert.Equal(t, first, dirContents(t, dir))
}

func TestUnpack_ArchiveTooLarge(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")
	data := buildZip(t, [2]string{"a.png", strings.Repeat("x", 2048)})

	codec := NewCodec(Options{MaxArchiveSize: 1024}, testLogger(t))

	_, err := codec.Unpack(context.Background(), dir, data)
	require.ErrorIs(t, err, ErrArchiveTooLarge)
	assert.NoDirExists(t, dir)
}

func TestUnpack_EntryTooLargeSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildZip(t,
		[2]string{"huge.wav", strings.Repeat("x", 512)},
		[2]string{"small.png", "ok"},
	)

	codec := NewCodec(Options{MaxEntrySize: 100}, testLogger(t))

	sum, err := codec.Unpack(context.Background(), dir, data)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Entries)
	assert.NoFileExists(t, filepath.Join(dir, "huge.wav"))
}

func TestUnpack_NormalizesEntryNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// "e" + combining acute accent (NFD) must be written in composed form.
	data := buildZip(t, [2]string{"cafe\u0301.png", "png"})

	_, err := newTestCodec(t).Unpack(context.Background(), dir, data)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "caf\u00e9.png"))
}

func TestSafeEntryName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"project.json", "project.json", true},
		{"83a9787d4cb6f3b7632b4ddfebf74367.wav", "83a9787d4cb6f3b7632b4ddfebf74367.wav", true},
		{"", "", false},
		{".", "", false},
		{"..", "", false},
		{"../x", "", false},
		{"a/b", "", false},
		{`a\b`, "", false},
		{"/etc/passwd", "", false},
		{"nul\x00byte", "", false},
	}

	for _, tt := range tests {
		got, ok := safeEntryName(tt.raw)
		assert.Equal(t, tt.ok, ok, "safeEntryName(%q)", tt.raw)
		assert.Equal(t, tt.want, got, "safeEntryName(%q)", tt.raw)
	}
}

func TestPrettyManifest_InvalidReturnedUnchanged(t *testing.T) {
	t.Parallel()

	in := []byte(`{"a":`)
	assert.Equal(t, in, prettyManifest(in))
}

func TestPrettyManifest_EndsWithNewline(t *testing.T) {
	t.Parallel()

	out := prettyManifest([]byte(`[1]`))
	assert.True(t, json.Valid(out))
	assert.True(t, bytes.HasSuffix(out, []byte("\n")))
}

func TestBootstrap_CopiesDefaultProject(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")
	src := fstest.MapFS{
		ManifestName: {Data: []byte(`{"targets":[]}`)},
		"a.svg":      {Data: []byte("<svg/>")},
		"NOTES.md":   {Data: []byte("notes")},
		"sub/x.png":  {Data: []byte("nested")},
	}

	copied, err := newTestCodec(t).Bootstrap(dir, src)
	require.NoError(t, err)
	assert.Equal(t, 3, copied)

	got := dirContents(t, dir)
	assert.Equal(t, `{"targets":[]}`, got[ManifestName])
	assert.Equal(t, "<svg/>", got["a.svg"])
	assert.Equal(t, "notes", got["NOTES.md"])
	assert.NoDirExists(t, filepath.Join(dir, "sub"))
}

func TestBootstrap_ExistingProjectUntouched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, ManifestName, `{"mine":true}`)

	src := fstest.MapFS{
		ManifestName: {Data: []byte(`{"default":true}`)},
		"a.svg":      {Data: []byte("<svg/>")},
	}

	copied, err := newTestCodec(t).Bootstrap(dir, src)
	require.NoError(t, err)
	assert.Zero(t, copied)
	assert.Equal(t, map[string]string{ManifestName: `{"mine":true}`}, dirContents(t, dir))
}

func TestBootstrap_MissingSourceIsNonFatal(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")

	copied, err := newTestCodec(t).Bootstrap(dir, os.DirFS(filepath.Join(t.TempDir(), "missing")))
	require.NoError(t, err)
	assert.Zero(t, copied)
	assert.DirExists(t, dir)
	assert.Empty(t, dirContents(t, dir))
}

func TestRefreshNotes_OverwritesNotesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, NotesName, "old guide")

	src := fstest.MapFS{NotesName: {Data: []byte("new guide")}}

	require.NoError(t, newTestCodec(t).RefreshNotes(dir, src))
	assert.Equal(t, "new guide", dirContents(t, dir)[NotesName])
}

func TestRefreshNotes_MissingInSourceIsNoop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	require.NoError(t, newTestCodec(t).RefreshNotes(dir, fstest.MapFS{}))
	assert.Empty(t, dirContents(t, dir))
}

func TestDefaultProject_PacksCleanly(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")
	codec := newTestCodec(t)

	copied, err := codec.Bootstrap(dir, DefaultProject())
	require.NoError(t, err)
	assert.Equal(t, 3, copied)

	data, sum, err := codec.Pack(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Entries, "notes file stays out of the archive")

	files := readZip(t, data)
	assert.Contains(t, files, ManifestName)
	assert.Contains(t, files, "68f27195d4e698e2f88384c6c8114aa0.svg")
}
