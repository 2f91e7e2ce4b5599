package node

import (
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

var errBadFileName = errors.New("node: invalid file name")

func HashFile(r io.Reader) ([protocol.HashSize]byte, error) {
	var sum [protocol.HashSize]byte
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return sum, err
	}
	copy(sum[:], hash.Sum(nil))
	return sum, nil
}

func CalculateTotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// ChunkLength is the size of chunk index in a file of fileSize bytes. Only the
// last chunk may be short.
func ChunkLength(index int, fileSize int64, chunkSize int) int {
	offset := int64(index) * int64(chunkSize)
	if offset >= fileSize {
		return 0
	}
	return int(min(int64(chunkSize), fileSize-offset))
}

// SafeFileName strips any directory part from a name received from a peer.
func SafeFileName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return "", errBadFileName
	}
	return base, nil
}

// CreatePreallocatedFile creates path at its final size and returns it open for
// writing.
func CreatePreallocatedFile(path string, size int64) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		return nil, err
	}
	return file, nil
}
