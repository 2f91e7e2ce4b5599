package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/sirupsen/logrus"
)

var ErrTransferRejected = errors.New("node: transfer rejected")

type ackKey struct {
	peer string
	hash [protocol.HashSize]byte
}

// ackWaiters routes FileAck messages to the SendFile call waiting for them.
type ackWaiters struct {
	mu      sync.Mutex
	waiters map[ackKey]chan *protocol.FileAck
}

func newAckWaiters() *ackWaiters {
	return &ackWaiters{waiters: make(map[ackKey]chan *protocol.FileAck)}
}

func (a *ackWaiters) register(peer string, hash [protocol.HashSize]byte) (<-chan *protocol.FileAck, func()) {
	key := ackKey{peer: peer, hash: hash}
	ch := make(chan *protocol.FileAck, 1)

	a.mu.Lock()
	a.waiters[key] = ch
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		if a.waiters[key] == ch {
			delete(a.waiters, key)
		}
		a.mu.Unlock()
	}
}

func (a *ackWaiters) resolve(peer protocol.PeerIdentity, ack *protocol.FileAck) bool {
	key := ackKey{peer: peer.ID, hash: ack.Hash}

	a.mu.Lock()
	ch, ok := a.waiters[key]
	delete(a.waiters, key)
	a.mu.Unlock()

	if !ok {
		return false
	}
	ch <- ack
	return true
}

// SendFile streams the file at path to dest and waits until dest confirms it
// stored the file. progress, if not nil, is called with the size of every
// chunk sent.
func (n *Node) SendFile(ctx context.Context, dest protocol.PeerIdentity, path string, progress func(int)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	hash, err := HashFile(file)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}

	conn, err := n.Connect(ctx, dest)
	if err != nil {
		return err
	}

	acks, cancel := n.acks.register(dest.ID, hash)
	defer cancel()

	chunks := CalculateTotalChunks(size, protocol.MaxChunkSize)
	offer := &protocol.FileOffer{
		Chunks:       uint32(chunks),
		Hash:         hash,
		MaxChunkSize: protocol.MaxChunkSize,
		Name:         filepath.Base(path),
		Size:         uint64(size),
	}
	if err := conn.Send(ctx, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	log := n.log.WithFields(logrus.Fields{
		"chunks": chunks,
		"file":   offer.Name,
		"peer":   dest.String(),
	})
	log.Info("Sending file")

	for i := range chunks {
		select {
		case ack := <-acks:
			return ackErr(ack)
		default:
		}

		data, err := ReadChunkData(file, i, ChunkLength(i, size, protocol.MaxChunkSize), protocol.MaxChunkSize)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", i, err)
		}
		if err := conn.Send(ctx, &protocol.FileChunk{Data: data, FileHash: hash, Index: uint32(i)}); err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}
		if progress != nil {
			progress(len(data))
		}
	}

	select {
	case ack := <-acks:
		if err := ackErr(ack); err != nil {
			return err
		}
		log.Info("File delivered")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrClosed
	}
}

func ackErr(ack *protocol.FileAck) error {
	if ack.Err == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTransferRejected, ack.Err)
}
