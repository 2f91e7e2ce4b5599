package node

import "io"

func ReadChunkData(r io.ReaderAt, chunkIndex, chunkSize, maxChunkSize int) ([]byte, error) {
	offset := int64(chunkIndex) * int64(maxChunkSize)
	data := make([]byte, chunkSize)
	_, err := r.ReadAt(data, offset)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func WriteChunkData(w io.WriterAt, chunkIndex, maxChunkSize int, data []byte) error {
	offset := int64(chunkIndex) * int64(maxChunkSize)
	_, err := w.WriteAt(data, offset)
	return err
}
