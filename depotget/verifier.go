package depotget

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

// VerifyAndDecompress validates a fetched blob against its descriptor and
// returns the decompressed chunk bytes.
//
// The compressed digest is checked first so a corrupted transfer is rejected
// before paying for decompression; the decompressed digest is checked second
// to catch a blob that was swapped for a different valid stream. Either
// mismatch is an INTEGRITY_MISMATCH naming the chunk.
func VerifyAndDecompress(desc *ChunkDescriptor, compressed []byte) ([]byte, error) {
	actual := desc.CompressedDigest.Algorithm().FromBytes(compressed)
	if actual != desc.CompressedDigest {
		return nil, depoterrors.ErrIntegrity.
			WithMessage("compressed blob hash mismatch").
			WithDetail("chunk", desc.Digest.String()).
			WithDetail("expected", desc.CompressedDigest.String()).
			WithDetail("actual", actual.String())
	}

	data, err := decompress(compressed, desc.Size)
	if err != nil {
		return nil, depoterrors.ErrIntegrity.
			WithMessage("chunk decompression failed").
			WithDetail("chunk", desc.Digest.String()).
			WithCause(err)
	}

	if int64(len(data)) != desc.Size {
		return nil, depoterrors.ErrIntegrity.
			WithMessage("decompressed size mismatch").
			WithDetail("chunk", desc.Digest.String()).
			WithDetail("expected", desc.Size).
			WithDetail("actual", len(data))
	}

	plain := desc.Digest.Algorithm().FromBytes(data)
	if plain != desc.Digest {
		return nil, depoterrors.ErrIntegrity.
			WithMessage("decompressed hash mismatch").
			WithDetail("chunk", desc.Digest.String()).
			WithDetail("actual", plain.String())
	}

	return data, nil
}

func decompress(compressed []byte, expectedSize int64) ([]byte, error) {
	// Zero-length chunks may ship as an empty blob rather than a zlib
	// stream of nothing.
	if len(compressed) == 0 && expectedSize == 0 {
		return []byte{}, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	buf := make([]byte, 0, expectedSize)
	out := bytes.NewBuffer(buf)
	if _, err := io.Copy(out, zr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// CompressChunk produces the wire form of chunk bytes. The engine itself only
// downloads, but publishing tools and tests need the inverse transform.
func CompressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
