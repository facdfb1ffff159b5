package onnx

import (
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"

	"github.com/sairml/onnx-sair/internal/protos"
)

// externalDataInfo is the parsed external_data key/value list of a tensor.
type externalDataInfo struct {
	location string
	offset   int64
	length   int64
}

func parseExternalDataInfo(proto *protos.TensorProto) (*externalDataInfo, error) {
	info := &externalDataInfo{}
	for _, entry := range proto.ExternalData {
		switch entry.Key {
		case "location":
			info.location = entry.Value
		case "offset":
			v, err := strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "tensor %q: bad external data offset %q", proto.Name, entry.Value)
			}
			info.offset = v
		case "length":
			v, err := strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "tensor %q: bad external data length %q", proto.Name, entry.Value)
			}
			info.length = v
		case "checksum":
			// Not verified.
		}
	}
	if info.location == "" {
		return nil, errors.Wrapf(ErrMalformedModel, "tensor %q has external data without a location", proto.Name)
	}
	return info, nil
}

// externalDataReader manages memory-mapped external data files. It caches
// mmap regions by file path since multiple tensors often share the same
// external file.
type externalDataReader struct {
	baseDir  string
	mappings map[string]*mmap.ReaderAt
	mu       sync.Mutex
}

func newExternalDataReader(baseDir string) *externalDataReader {
	return &externalDataReader{
		baseDir:  baseDir,
		mappings: make(map[string]*mmap.ReaderAt),
	}
}

func (r *externalDataReader) getOrCreateMapping(location string) (*mmap.ReaderAt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.mappings[location]; ok {
		return reader, nil
	}
	externalPath := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(externalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", externalPath)
	}
	r.mappings[location] = reader
	return reader, nil
}

// readInto reads external data directly into dst from the mmap region.
func (r *externalDataReader) readInto(info *externalDataInfo, dst []byte) error {
	if r.baseDir == "" {
		return errors.Wrap(ErrUnsupportedFeature, "base directory is required for reading external data")
	}
	if info.length > 0 && info.length != int64(len(dst)) {
		return errors.Errorf("external data length %d doesn't match destination size %d", info.length, len(dst))
	}
	reader, err := r.getOrCreateMapping(info.location)
	if err != nil {
		return err
	}
	n, err := reader.ReadAt(dst, info.offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes at offset %d from external data file %q",
			len(dst), info.offset, info.location)
	}
	if n != len(dst) {
		return errors.Errorf("read %d bytes but expected %d from external data file %q",
			n, len(dst), info.location)
	}
	return nil
}

// Close unmaps all regions. The reader must not be used afterwards.
func (r *externalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, reader := range r.mappings {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close mmap for %q", path)
		}
	}
	r.mappings = nil
	return firstErr
}

// resolveExternalData loads an externally stored tensor's bytes into
// proto.RawData so the regular decoding path applies.
func resolveExternalData(proto *protos.TensorProto, reader *externalDataReader) error {
	if proto.DataLocation != protos.TensorProto_EXTERNAL || proto.RawData != nil {
		return nil
	}
	info, err := parseExternalDataInfo(proto)
	if err != nil {
		return err
	}
	shape, err := Shape(proto)
	if err != nil {
		return err
	}
	dst := make([]byte, shape.Size()*dtypeByteSize(shape.DType))
	if info.length > 0 && info.length != int64(len(dst)) {
		return errors.Errorf("tensor %q: external data length %d for %d tensor bytes",
			proto.Name, info.length, len(dst))
	}
	if err := reader.readInto(info, dst); err != nil {
		return errors.WithMessagef(err, "tensor %q", proto.Name)
	}
	proto.RawData = dst
	return nil
}
