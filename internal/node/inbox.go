package node

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	maxOfferChunkSize = 1 << 20
	receivedQueue     = 16
	partialSuffix     = ".part"
)

var (
	ErrHashMismatch    = errors.New("node: file hash mismatch")
	errUnknownTransfer = errors.New("node: chunk for unknown transfer")
)

// ReceivedFile describes a completed, verified incoming transfer.
type ReceivedFile struct {
	From protocol.PeerIdentity
	Hash [protocol.HashSize]byte
	Name string
	Path string
	Size uint64
}

type transferKey struct {
	from string
	hash [protocol.HashSize]byte
}

type transfer struct {
	file    *os.File
	from    protocol.PeerIdentity
	have    []bool
	missing int
	name    string
	offer   protocol.FileOffer
	partial string
}

// Inbox writes files offered by peers into a directory. A file is written to
// a ".part" name and renamed once every chunk has arrived and the hash
// matches.
type Inbox struct {
	dir string
	log *logrus.Logger

	mu        sync.Mutex
	transfers map[transferKey]*transfer
	received  chan ReceivedFile
}

func newInbox(dir string, log *logrus.Logger) *Inbox {
	return &Inbox{
		dir:       dir,
		log:       log,
		transfers: make(map[transferKey]*transfer),
		received:  make(chan ReceivedFile, receivedQueue),
	}
}

func (b *Inbox) Dir() string { return b.dir }

// Received delivers completed transfers. Notifications are dropped when
// nobody reads them; the files are written regardless.
func (b *Inbox) Received() <-chan ReceivedFile {
	return b.received
}

func (b *Inbox) offer(from protocol.PeerIdentity, offer *protocol.FileOffer) error {
	name, err := SafeFileName(offer.Name)
	if err != nil {
		return err
	}
	if offer.MaxChunkSize == 0 || offer.MaxChunkSize > maxOfferChunkSize {
		return fmt.Errorf("node: chunk size %d out of range", offer.MaxChunkSize)
	}
	if want := CalculateTotalChunks(int64(offer.Size), int64(offer.MaxChunkSize)); int(offer.Chunks) != want {
		return fmt.Errorf("node: offer has %d chunks, want %d", offer.Chunks, want)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := transferKey{from: from.ID, hash: offer.Hash}
	if old, ok := b.transfers[key]; ok {
		b.discardLocked(key, old)
	}

	partial := filepath.Join(b.dir, name+partialSuffix)
	file, err := CreatePreallocatedFile(partial, int64(offer.Size))
	if err != nil {
		return err
	}

	b.transfers[key] = &transfer{
		file:    file,
		from:    from,
		have:    make([]bool, offer.Chunks),
		missing: int(offer.Chunks),
		name:    name,
		offer:   *offer,
		partial: partial,
	}
	return nil
}

func (b *Inbox) chunk(from protocol.PeerIdentity, chunk *protocol.FileChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := transferKey{from: from.ID, hash: chunk.FileHash}
	t, ok := b.transfers[key]
	if !ok {
		return errUnknownTransfer
	}

	index := int(chunk.Index)
	if index >= len(t.have) {
		b.discardLocked(key, t)
		return fmt.Errorf("node: chunk %d out of range", chunk.Index)
	}
	size := int(t.offer.MaxChunkSize)
	if want := ChunkLength(index, int64(t.offer.Size), size); len(chunk.Data) != want {
		b.discardLocked(key, t)
		return fmt.Errorf("node: chunk %d has %d bytes, want %d", chunk.Index, len(chunk.Data), want)
	}

	if err := WriteChunkData(t.file, index, size, chunk.Data); err != nil {
		b.discardLocked(key, t)
		return err
	}
	if !t.have[index] {
		t.have[index] = true
		t.missing--
	}
	return nil
}

// finish completes the transfer if every chunk has arrived. done reports
// whether the transfer ended, successfully or not.
func (b *Inbox) finish(from protocol.PeerIdentity, hash [protocol.HashSize]byte) (ReceivedFile, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := transferKey{from: from.ID, hash: hash}
	t, ok := b.transfers[key]
	if !ok || t.missing > 0 {
		return ReceivedFile{}, false, nil
	}
	delete(b.transfers, key)

	got, err := HashFile(io.NewSectionReader(t.file, 0, int64(t.offer.Size)))
	closeErr := t.file.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && got != t.offer.Hash {
		err = ErrHashMismatch
	}
	if err != nil {
		_ = os.Remove(t.partial)
		return ReceivedFile{}, true, err
	}

	path := filepath.Join(b.dir, t.name)
	if err := os.Rename(t.partial, path); err != nil {
		_ = os.Remove(t.partial)
		return ReceivedFile{}, true, err
	}

	file := ReceivedFile{
		From: t.from,
		Hash: hash,
		Name: t.name,
		Path: path,
		Size: t.offer.Size,
	}
	select {
	case b.received <- file:
	default:
		b.log.WithField("file", t.name).Debug("Inbox notification queue full")
	}
	return file, true, nil
}

// close abandons every unfinished transfer.
func (b *Inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, t := range b.transfers {
		b.discardLocked(key, t)
	}
}

func (b *Inbox) discardLocked(key transferKey, t *transfer) {
	delete(b.transfers, key)
	_ = t.file.Close()
	_ = os.Remove(t.partial)
}
