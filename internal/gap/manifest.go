package gap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"dayflow/logger"
)

const ManifestFormat = "jsonl"

// ErrManifestExists is returned when a manifest for the same stream and
// partition was already written. Manifests are never overwritten.
var ErrManifestExists = errors.New("manifest already exists")

// Manifest summarises one archived partition of a stream.
type Manifest struct {
	Env             string     `json:"env"`
	Feed            string     `json:"feed"`
	StreamID        string     `json:"stream_id"`
	Partition       string     `json:"partition"`
	Format          string     `json:"format"`
	RecordCount     uint64     `json:"record_count"`
	ByteCount       uint64     `json:"byte_count"`
	DuplicateCount  uint64     `json:"duplicate_count"`
	FirstSeq        uint64     `json:"first_seq"`
	LastSeq         uint64     `json:"last_seq"`
	SequenceWindows []SeqRange `json:"sequence_windows"`
	Gaps            []Gap      `json:"gaps"`
	HasGaps         bool       `json:"has_gaps"`
	MissingCount    uint64     `json:"missing_count"`
	Instruments     []string   `json:"instruments"`
	CoveragePath    string     `json:"coverage_path,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func partitionDir(prefix, env, feed, stream, partition string) string {
	return path.Join(prefix, env, feed, stream, partition)
}

// ManifestPath is {prefix}/{env}/{feed}/{stream}/{partition}/manifest.json.
func ManifestPath(prefix, env, feed, stream, partition string) string {
	return path.Join(partitionDir(prefix, env, feed, stream, partition), "manifest.json")
}

func CoveragePath(prefix, env, feed, stream, partition string) string {
	return path.Join(partitionDir(prefix, env, feed, stream, partition), "coverage.parquet")
}

// CoverageRecord is one row of the coverage file: either a run of received
// sequences or a gap.
type CoverageRecord struct {
	Stream     string `parquet:"name=stream, type=BYTE_ARRAY, convertedtype=UTF8"`
	Partition  string `parquet:"name=partition, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	FromSeq    int64  `parquet:"name=from_seq, type=INT64"`
	ToSeq      int64  `parquet:"name=to_seq, type=INT64"`
	Count      int64  `parquet:"name=count, type=INT64"`
	DetectedAt int64  `parquet:"name=detected_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memoryFile is an in-memory parquet target.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }

// Seek only reports the current size; the parquet writer never rewinds.
func (f *memoryFile) Seek(int64, int) (int64, error) { return int64(f.buffer.Len()), nil }

func (f *memoryFile) Read(b []byte) (int, error)  { return f.buffer.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error) { return f.buffer.Write(b) }
func (f *memoryFile) Close() error                { return nil }
func (f *memoryFile) Bytes() []byte               { return f.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lzo":
		return parquet.CompressionCodec_LZO
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func coverageRecords(m Manifest) []CoverageRecord {
	records := make([]CoverageRecord, 0, len(m.SequenceWindows)+len(m.Gaps))
	for _, r := range m.SequenceWindows {
		records = append(records, CoverageRecord{
			Stream:    m.StreamID,
			Partition: m.Partition,
			Kind:      "covered",
			FromSeq:   int64(r.From),
			ToSeq:     int64(r.To),
			Count:     int64(r.To - r.From + 1),
		})
	}
	for _, g := range m.Gaps {
		records = append(records, CoverageRecord{
			Stream:     m.StreamID,
			Partition:  m.Partition,
			Kind:       "gap",
			FromSeq:    int64(g.From),
			ToSeq:      int64(g.To),
			Count:      int64(g.Missing()),
			DetectedAt: g.DetectedAt.UnixMilli(),
		})
	}
	return records
}

func encodeCoverage(m Manifest, compression string) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(CoverageRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, rec := range coverageRecords(m) {
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("failed to write coverage record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize coverage file: %w", err)
	}
	return fw.Bytes(), nil
}

// ManifestWriter stores manifests and their coverage files in a Sink.
type ManifestWriter struct {
	sink        Sink
	prefix      string
	compression string
	log         *logger.Entry
}

func NewManifestWriter(sink Sink, prefix, compression string) *ManifestWriter {
	return &ManifestWriter{
		sink:        sink,
		prefix:      prefix,
		compression: compression,
		log:         logger.GetLogger().WithComponent("manifest_writer"),
	}
}

// Write stores the coverage file and then the manifest. The manifest is
// created only if absent; a second write of the same partition returns
// ErrManifestExists and leaves the stored manifest untouched.
func (w *ManifestWriter) Write(ctx context.Context, m Manifest) (string, error) {
	if m.StreamID == "" || m.Partition == "" {
		return "", fmt.Errorf("manifest needs a stream and a partition")
	}
	if m.Format == "" {
		m.Format = ManifestFormat
	}
	key := ManifestPath(w.prefix, m.Env, m.Feed, m.StreamID, m.Partition)
	log := w.log.WithFields(logger.Fields{"stream": m.StreamID, "partition": m.Partition, "key": key})

	if ok, err := w.sink.Exists(ctx, key); err != nil {
		return key, fmt.Errorf("check manifest %s: %w", key, err)
	} else if ok {
		return key, fmt.Errorf("%s: %w", key, ErrManifestExists)
	}

	coverage, err := encodeCoverage(m, w.compression)
	if err != nil {
		return key, err
	}
	m.CoveragePath = CoveragePath(w.prefix, m.Env, m.Feed, m.StreamID, m.Partition)
	if err := w.sink.Put(ctx, m.CoveragePath, coverage, "application/vnd.apache.parquet"); err != nil {
		return key, fmt.Errorf("store coverage %s: %w", m.CoveragePath, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return key, fmt.Errorf("encode manifest: %w", err)
	}
	if err := w.sink.PutIfAbsent(ctx, key, data, "application/json"); err != nil {
		if errors.Is(err, ErrObjectExists) {
			return key, fmt.Errorf("%s: %w", key, ErrManifestExists)
		}
		return key, fmt.Errorf("store manifest %s: %w", key, err)
	}

	log.WithFields(logger.Fields{
		"records":       m.RecordCount,
		"gaps":          len(m.Gaps),
		"missing":       m.MissingCount,
		"coverage_size": len(coverage),
	}).Info("manifest written")
	return key, nil
}

// ReadManifest loads the manifest of stream for partition.
func ReadManifest(ctx context.Context, sink Sink, prefix, env, feed, stream, partition string) (Manifest, error) {
	key := ManifestPath(prefix, env, feed, stream, partition)
	data, err := sink.Get(ctx, key)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return m, nil
}
