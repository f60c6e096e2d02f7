package fileInfo

import (
	"errors"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

var ErrIsDir = errors.New("path is a directory")

// FileNode describes a single regular file about to be sent.
type FileNode struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Path     string `json:"-"`
}

// CreateNode stats path, detects its MIME type and computes its MD5 once.
func CreateNode(path string) (FileNode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileNode{}, err
	}
	if info.IsDir() {
		return FileNode{}, ErrIsDir
	}
	node := FileNode{
		Name: info.Name(),
		Size: info.Size(),
		Path: path,
	}
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		node.MimeType = "application/octet-stream"
	} else {
		node.MimeType = mime.String()
	}
	if _, err := node.CalcChecksum(); err != nil {
		return FileNode{}, err
	}
	return node, nil
}
