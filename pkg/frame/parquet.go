package frame

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cockroachdb/errors"
)

// Sink writes the frame to a Snappy-compressed parquet file in a fresh
// temporary directory under dir (the system temp dir when empty). The
// directory is removed by Release.
func (f *GeoFrame) Sink(dir string) error {
	if len(f.records) == 0 {
		return errors.New("records are empty")
	}

	tempDir, err := os.MkdirTemp(dir, "geocol_frame_*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary directory")
	}
	f.tempDir = tempDir

	filePath := filepath.Join(tempDir, "frame.parquet")
	if err := f.WriteParquet(filePath); err != nil {
		return err
	}
	f.sourceFile = &filePath
	return nil
}

// WriteParquet writes the frame to path. The Arrow schema is stored in the
// file so the geometry field metadata survives a round trip.
func (f *GeoFrame) WriteParquet(path string) error {
	if len(f.records) == 0 {
		return errors.New("records are empty")
	}

	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer out.Close()

	writer, err := pqarrow.NewFileWriter(
		f.records[0].Schema(),
		out,
		parquet.NewWriterProperties(
			parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create parquet writer")
	}

	for _, rec := range f.records {
		if err := writer.WriteBuffered(rec); err != nil {
			writer.Close()
			return errors.Wrap(err, "failed to write record batch")
		}
	}
	return errors.Wrap(writer.Close(), "failed to close parquet writer")
}

// SourceFile returns the path of the parquet file written by Sink, or nil.
func (f *GeoFrame) SourceFile() *string {
	return f.sourceFile
}

// ReadParquet loads a parquet file written by WriteParquet (or any file
// whose geomCol holds WKB) into a frame.
func ReadParquet(ctx context.Context, path, geomCol, crs string) (*GeoFrame, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer rdr.Close()

	mem := memory.NewGoAllocator()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 64 * 1024}, mem)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create arrow reader")
	}

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create record reader")
	}
	defer rr.Release()

	var records []arrow.RecordBatch
	for rr.Next() {
		rec := rr.RecordBatch()
		rec.Retain()
		records = append(records, rec)
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range records {
			rec.Release()
		}
		return nil, errors.Wrap(err, "failed to read record batch")
	}

	out, err := New(records, geomCol, crs)
	if err != nil {
		for _, rec := range records {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}
