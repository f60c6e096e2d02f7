package fileInfo

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// EmptyMD5 is the MD5 digest of zero bytes of input.
const EmptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

// CalculateMD5 returns the lowercase hex MD5 digest of the file at filePath.
func CalculateMD5(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logrus.WithError(err).WithField("path", filePath).Warn("fail to close file")
		}
	}()
	hasher := md5.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (n *FileNode) CalcChecksum() (string, error) {
	sum, err := CalculateMD5(n.Path)
	if err != nil {
		return "", err
	}
	n.Checksum = sum
	return sum, nil
}

// VerifyMD5 recomputes the checksum and compares it with expectedChecksum.
func (n *FileNode) VerifyMD5(expectedChecksum string) (bool, error) {
	actual, err := n.CalcChecksum()
	if err != nil {
		return false, err
	}
	return actual == expectedChecksum, nil
}
