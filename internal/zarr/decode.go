package zarr

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/lazy"
	"github.com/atlaseo/eogrid/internal/storage"
)

// parseDType maps a Zarr v2 dtype string to the dataset's declared type.
// Only little-endian (or endian-free single-byte) encodings appear in the
// catalog's stores.
func parseDType(s string) (dataset.DType, error) {
	switch s {
	case "<f8":
		return dataset.Float64, nil
	case "<f4":
		return dataset.Float32, nil
	case "<i4":
		return dataset.Int32, nil
	case "<i2":
		return dataset.Int16, nil
	case "|i1", "<i1":
		return dataset.Int8, nil
	case "|u1", "<u1":
		return dataset.Uint8, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", s)
}

func dtypeSize(d dataset.DType) int {
	switch d {
	case dataset.Float64:
		return 8
	case dataset.Float32, dataset.Int32:
		return 4
	case dataset.Int16:
		return 2
	}
	return 1
}

// chunkSource reads and decodes one variable's chunk objects. Zarr chunks
// are always stored full-size with edge padding, matching the lazy layer's
// chunk contract.
type chunkSource struct {
	store  storage.Store
	prefix string
	node   node
	dtype  dataset.DType
}

func (c *chunkSource) ReadChunk(ctx context.Context, index []int) ([]float64, error) {
	body, err := c.store.Get(ctx, c.chunkKey(index))
	if err != nil {
		var nf *storage.ErrNotFound
		if errors.As(err, &nf) {
			// An absent chunk means every element holds the fill value.
			return c.filled(), nil
		}
		return nil, err
	}

	raw, err := c.decompress(body)
	if err != nil {
		return nil, fmt.Errorf("chunk %v: %w", index, err)
	}

	n := lazy.Size(c.node.meta.Chunks)
	size := dtypeSize(c.dtype)
	if len(raw) != n*size {
		return nil, fmt.Errorf("chunk %v: %d bytes, want %d", index, len(raw), n*size)
	}
	return decodeValues(raw, c.dtype, n), nil
}

func (c *chunkSource) chunkKey(index []int) string {
	sep := c.node.meta.Separator
	if sep == "" {
		sep = "."
	}
	parts := make([]string, len(index))
	for i, v := range index {
		parts[i] = strconv.Itoa(v)
	}
	return c.prefix + "/" + c.node.name + "/" + strings.Join(parts, sep)
}

func (c *chunkSource) decompress(body []byte) ([]byte, error) {
	if c.node.meta.Compressor == nil {
		return body, nil
	}
	var (
		r   io.ReadCloser
		err error
	)
	switch c.node.meta.Compressor.ID {
	case "zlib":
		r, err = zlib.NewReader(bytes.NewReader(body))
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("unsupported compressor %q", c.node.meta.Compressor.ID)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *chunkSource) filled() []float64 {
	fill := math.NaN()
	if v, ok := decodeFill(c.node.meta.FillValue); ok {
		fill = v
	}
	out := make([]float64, lazy.Size(c.node.meta.Chunks))
	for i := range out {
		out[i] = fill
	}
	return out
}

func decodeValues(raw []byte, dt dataset.DType, n int) []float64 {
	out := make([]float64, n)
	switch dt {
	case dataset.Float64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case dataset.Float32:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case dataset.Int32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case dataset.Int16:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case dataset.Int8:
		for i := 0; i < n; i++ {
			out[i] = float64(int8(raw[i]))
		}
	case dataset.Uint8:
		for i := 0; i < n; i++ {
			out[i] = float64(raw[i])
		}
	}
	return out
}
