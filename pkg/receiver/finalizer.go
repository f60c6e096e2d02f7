package receiver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rescp17/busFileSharer/pkg/fileInfo"
	"github.com/rescp17/busFileSharer/pkg/transfer"
	"github.com/sirupsen/logrus"
)

// FinalizeResult describes a promoted file.
type FinalizeResult struct {
	TransferID string
	FileName   string
	FinalPath  string
	Size       int64
}

// Finalizer verifies a transfer's working file against file_hash and promotes
// it to its final name in the target directory.
type Finalizer struct {
	scratchDir string
	targetDir  string
	log        logrus.FieldLogger
	rename     func(oldpath, newpath string) error
}

func NewFinalizer(scratchDir, targetDir string, log logrus.FieldLogger) *Finalizer {
	return &Finalizer{
		scratchDir: scratchDir,
		targetDir:  targetDir,
		log:        log,
		rename:     os.Rename,
	}
}

// Finalize handles a terminal record. On a hash mismatch the working file is
// left in place under its temp name and ErrFileIntegrity is returned.
func (f *Finalizer) Finalize(env *transfer.TransferEnvelope) (*FinalizeResult, error) {
	log := f.log.WithFields(logrus.Fields{
		"transfer_id": env.TransferID,
		"file":        env.FileName,
	})
	defer f.sweep()

	if err := transfer.ValidateFilename(env.FileName); err != nil {
		return nil, err
	}
	finalPath := filepath.Join(f.targetDir, env.FileName)

	candidates, err := f.workingFiles(env.TransferID)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		// A zero-length source produces no chunks and therefore no working file.
		if env.FileHash == fileInfo.EmptyMD5 {
			if err := os.WriteFile(finalPath, nil, 0644); err != nil {
				return nil, fmt.Errorf("%w: create %s: %w", transfer.ErrIO, finalPath, err)
			}
			log.WithField("path", finalPath).Info("Saved empty file")
			return &FinalizeResult{TransferID: env.TransferID, FileName: env.FileName, FinalPath: finalPath}, nil
		}
		return nil, fmt.Errorf("%w: no working file for transfer %s", transfer.ErrFileIntegrity, env.TransferID)
	}

	for _, path := range candidates {
		sum, err := fileInfo.CalculateMD5(path)
		if err != nil {
			return nil, fmt.Errorf("%w: hash %s: %w", transfer.ErrIO, path, err)
		}
		if sum != env.FileHash {
			log.WithFields(logrus.Fields{
				"path":     path,
				"hash":     sum,
				"expected": env.FileHash,
			}).Error("Working file hash mismatch, not promoting")
			continue
		}

		if err := f.promote(path, finalPath); err != nil {
			return nil, err
		}
		info, err := os.Stat(finalPath)
		if err != nil {
			return nil, fmt.Errorf("%w: stat %s: %w", transfer.ErrIO, finalPath, err)
		}
		log.WithField("path", finalPath).Info("Saved file")
		return &FinalizeResult{
			TransferID: env.TransferID,
			FileName:   env.FileName,
			FinalPath:  finalPath,
			Size:       info.Size(),
		}, nil
	}

	return nil, fmt.Errorf("%w: transfer %s: %s does not match %s",
		transfer.ErrFileIntegrity, env.TransferID, env.FileName, env.FileHash)
}

// promote moves the verified working file to finalPath. Scratch and target
// may live on different filesystems, in which case the file is copied.
func (f *Finalizer) promote(path, finalPath string) error {
	err := f.rename(path, finalPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("%w: rename %s to %s: %w", transfer.ErrIO, path, finalPath, err)
	}

	f.log.WithField("path", finalPath).Debug("Scratch and target are on different devices, copying")
	if err := copyFile(path, finalPath); err != nil {
		return fmt.Errorf("%w: copy %s to %s: %w", transfer.ErrIO, path, finalPath, err)
	}
	if err := os.Remove(path); err != nil {
		f.log.WithError(err).WithField("path", path).Warn("Failed to remove working file after copy")
	}
	return nil
}

// copyFile writes src to a hidden file next to dst, syncs it and renames it
// into place so dst never holds a partial copy.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".busfs-*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// workingFiles lists scratch files belonging to transferID.
func (f *Finalizer) workingFiles(transferID string) ([]string, error) {
	entries, err := os.ReadDir(f.scratchDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", transfer.ErrIO, f.scratchDir, err)
	}

	prefix := transferID + "_"
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, transfer.WorkingFileSuffix) {
			paths = append(paths, filepath.Join(f.scratchDir, name))
		}
	}
	return paths, nil
}

// sweep removes stray *.temp files from the target directory. It never runs
// when scratch and target are the same directory, so unpromoted working files
// stay on disk.
func (f *Finalizer) sweep() {
	if sameDir(f.scratchDir, f.targetDir) {
		return
	}
	matches, err := filepath.Glob(filepath.Join(f.targetDir, "*.temp"))
	if err != nil {
		f.log.WithError(err).Debug("Sweep pattern failed")
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			f.log.WithError(err).WithField("path", path).Debug("Failed to remove stray temp file")
		}
	}
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
