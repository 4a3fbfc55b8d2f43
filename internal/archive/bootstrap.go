package archive

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed defaultproject
var defaultProjectFS embed.FS

// DefaultProject returns the built-in starter project: an empty stage with
// one backdrop, plus the editing notes file.
func DefaultProject() fs.FS {
	sub, err := fs.Sub(defaultProjectFS, "defaultproject")
	if err != nil {
		// The directory is embedded at build time; Sub cannot fail on it.
		panic(fmt.Sprintf("archive: embedded default project: %v", err))
	}

	return sub
}

// Bootstrap seeds an empty workspace with the files of src. When the
// workspace already has a project.json it does nothing, so an existing
// project is never overwritten. A missing or unreadable src is logged and
// leaves the workspace empty. Returns the number of files copied.
func (c *Codec) Bootstrap(workspace string, src fs.FS) (int, error) {
	if _, err := os.Stat(filepath.Join(workspace, ManifestName)); err == nil {
		c.logger.Info("project.json already exists, skipping default project copy",
			slog.String("workspace", workspace))

		return 0, nil
	}

	if err := os.MkdirAll(workspace, c.opts.DirPerm); err != nil {
		return 0, fmt.Errorf("archive: creating workspace %s: %w", workspace, err)
	}

	if src == nil {
		c.logger.Warn("no default project available, workspace left empty")
		return 0, nil
	}

	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		c.logger.Error("default project not readable, workspace left empty",
			slog.String("error", err.Error()))

		return 0, nil
	}

	copied := 0

	for _, d := range entries {
		if !d.Type().IsRegular() {
			continue
		}

		if err := c.copyFromFS(src, d.Name(), workspace); err != nil {
			c.logger.Error("copying default project file failed",
				slog.String("name", d.Name()), slog.String("error", err.Error()))

			continue
		}

		copied++
	}

	c.logger.Info("copied default project into workspace",
		slog.Int("files", copied), slog.String("workspace", workspace))

	return copied, nil
}

// RefreshNotes overwrites the workspace notes file with the copy from src so
// the editing guide stays current across upgrades. A src without the notes
// file is not an error.
func (c *Codec) RefreshNotes(workspace string, src fs.FS) error {
	if src == nil {
		return nil
	}

	err := c.copyFromFS(src, NotesName, workspace)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("no notes file in default project")
		return nil
	}

	if err != nil {
		return fmt.Errorf("archive: refreshing %s: %w", NotesName, err)
	}

	return nil
}

// copyFromFS copies one file from src into dir under the same name.
func (c *Codec) copyFromFS(src fs.FS, name, dir string) error {
	data, err := fs.ReadFile(src, name)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, name), data, c.opts.FilePerm)
}
