// Package datafile implements a buffered append-only log file with an
// independent random-access reader. Grounded in yonwoo9/go-bitcask's
// file.go, which opens one handle for append and mmaps a second,
// read-only handle for Get; beetle keeps that split but gives each
// Datafile its own writer/reader pair (yonwoo9/go-bitcask shares a
// single *os.File with the in-memory Bitcask struct instead of
// encapsulating it per file) and widens the buffer/read-ahead sizing to
// 128 KiB.
package datafile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/beetledb/beetle/internal/entry"
	"github.com/beetledb/beetle/internal/logging"
)

const (
	// WriteBufferSize is the buffered-writer size for appends.
	WriteBufferSize = 128 * 1024
	// ReadAheadSize mirrors the ~128 KiB read-ahead sizing used when
	// sequentially scanning a datafile.
	ReadAheadSize = 128 * 1024
	// SyncInterval is the periodic background fsync cadence.
	SyncInterval = 2 * time.Second
)

// FileName returns the on-disk name of the datafile with the given id,
// ("beetle_<file_id>.db").
func FileName(fileID int64) string {
	return fmt.Sprintf("beetle_%d.db", fileID)
}

// Datafile is one append-only log file: a writer handle for appends and
// an independently-seekable reader handle for positioned reads and scans.
type Datafile struct {
	FileID int64
	path   string

	writeMu  sync.Mutex
	writer   *os.File
	bufw     *bufio.Writer
	offset   int64
	readOnly bool
	dirty    bool

	reader *os.File

	stopSync chan struct{}
	syncWg   sync.WaitGroup
}

// Open opens (creating if absent) the datafile at path for append, plus
// an independent read handle. writable=false opens a stale, read-only
// datafile with no writer/flusher goroutine.
func Open(path string, writable bool) (*Datafile, error) {
	reader, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("datafile: open reader %s: %w", path, err)
	}

	df := &Datafile{path: path, reader: reader, readOnly: !writable}

	fi, err := reader.Stat()
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("datafile: stat %s: %w", path, err)
	}
	df.offset = fi.Size()

	if writable {
		w, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("datafile: open writer %s: %w", path, err)
		}
		df.writer = w
		df.bufw = bufio.NewWriterSize(w, WriteBufferSize)
		df.stopSync = make(chan struct{})
		df.syncWg.Add(1)
		go df.periodicSync()
	}

	return df, nil
}

// OpenNew creates a brand-new, empty datafile with the given id under dir
// and opens it for writing.
func OpenNew(dir string, fileID int64) (*Datafile, error) {
	path := filepath.Join(dir, FileName(fileID))
	df, err := Open(path, true)
	if err != nil {
		return nil, err
	}
	df.FileID = fileID
	return df, nil
}

func (df *Datafile) periodicSync() {
	defer df.syncWg.Done()
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			df.writeMu.Lock()
			dirty := df.dirty
			df.writeMu.Unlock()
			if dirty {
				if err := df.Sync(); err != nil {
					logging.L().Warnw("datafile: periodic sync failed", "path", df.path, "error", err)
				}
			}
		case <-df.stopSync:
			return
		}
	}
}

// Write appends raw (an already-encoded entry) to the active file and
// returns the offset the record was written at; that offset together
// with len(raw) is what the caller indexes into the keydir.
func (df *Datafile) Write(raw []byte) (position int64, err error) {
	if df.readOnly {
		return 0, fmt.Errorf("datafile: write to read-only file %s", df.path)
	}
	df.writeMu.Lock()
	defer df.writeMu.Unlock()

	position = df.offset
	if _, err := df.bufw.Write(raw); err != nil {
		return 0, fmt.Errorf("datafile: write %s: %w", df.path, err)
	}
	// Flushed to the kernel on every write so a positioned read from the
	// independent reader handle observes the bytes immediately; only the
	// fsync to stable storage is left to the periodic ticker / explicit
	// Sync.
	if err := df.bufw.Flush(); err != nil {
		return 0, fmt.Errorf("datafile: flush %s: %w", df.path, err)
	}
	df.offset += int64(len(raw))
	df.dirty = true
	return position, nil
}

// Size returns the current logical length of the file.
func (df *Datafile) Size() int64 {
	df.writeMu.Lock()
	defer df.writeMu.Unlock()
	return df.offset
}

// ReadAt performs a single positioned read of exactly size bytes starting
// at position, then decodes the record. It does not filter on
// expiration/tombstone status; that belongs to the caller.
func (df *Datafile) ReadAt(position int64, size int64) (entry.Entry, error) {
	buf, err := df.ReadRawAt(position, size)
	if err != nil {
		return entry.Entry{}, err
	}
	return entry.Decode(buf)
}

// ReadRawAt returns the raw, still-encoded bytes of a record without
// decoding it, used by merge to copy live records into a new segment
// without paying for a decode/re-encode round trip.
func (df *Datafile) ReadRawAt(position int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := df.reader.ReadAt(buf, position); err != nil {
		return nil, fmt.Errorf("datafile: read_at %s@%d+%d: %w", df.path, position, size, err)
	}
	return buf, nil
}

// ScannedRecord is one record surfaced by Scan.
type ScannedRecord struct {
	Entry    entry.Entry
	Position int64
	Size     int64
}

// Scan streams every record in the file from offset 0 to EOF, in order.
// Malformed trailing bytes at EOF are treated as the natural end of file.
// A checksum failure mid-file is logged and skipped: Scan advances past
// the corrupt record (using its declared, bounds-checked size) and keeps
// reading, so one flipped byte never hides every key that follows it in
// the same file.
func Scan(path string, visit func(ScannedRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("datafile: scan open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("datafile: scan stat %s: %w", path, err)
	}
	fileSize := fi.Size()

	r := bufio.NewReaderSize(f, ReadAheadSize)
	var pos int64
	for {
		header := make([]byte, entry.HeaderSize)
		n, err := readFull(r, header)
		if n == 0 && (err != nil) {
			break // clean EOF
		}
		if n < entry.HeaderSize {
			break // truncated trailing header, treat as EOF
		}

		size, err := entry.RecordSize(header)
		if err != nil {
			break
		}
		// size is derived from header fields whose CRC has not been
		// checked yet; bound it against what actually remains in the
		// file before allocating, so a corrupt header can't claim an
		// unbounded value_size and drive an oversized allocation.
		remaining := fileSize - pos - int64(entry.HeaderSize)
		if int64(size) < int64(entry.HeaderSize) || int64(size)-int64(entry.HeaderSize) > remaining {
			break // declared size doesn't fit in the file, treat as EOF
		}
		rest := make([]byte, size-entry.HeaderSize)
		n2, err := readFull(r, rest)
		if n2 < len(rest) {
			break // truncated trailing record, treat as EOF
		}

		full := append(header, rest...)
		e, err := entry.Decode(full)
		if err != nil {
			if err == entry.ErrChecksumMismatch {
				logging.L().Warnw("datafile: checksum mismatch, skipping record", "path", path, "position", pos, "size", size)
				pos += int64(size)
				continue
			}
			break
		}

		if verr := visit(ScannedRecord{Entry: e, Position: pos, Size: int64(size)}); verr != nil {
			return verr
		}
		pos += int64(size)
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Sync flushes both the write buffer and fsyncs the underlying file.
func (df *Datafile) Sync() error {
	if df.readOnly {
		return nil
	}
	df.writeMu.Lock()
	defer df.writeMu.Unlock()
	if err := df.bufw.Flush(); err != nil {
		return fmt.Errorf("datafile: flush %s: %w", df.path, err)
	}
	if err := df.writer.Sync(); err != nil {
		return fmt.Errorf("datafile: fsync %s: %w", df.path, err)
	}
	df.dirty = false
	return nil
}

// Close syncs (if writable) and closes both handles.
func (df *Datafile) Close() error {
	if !df.readOnly {
		close(df.stopSync)
		df.syncWg.Wait()
		if err := df.Sync(); err != nil {
			return err
		}
		if err := df.writer.Close(); err != nil {
			return fmt.Errorf("datafile: close writer %s: %w", df.path, err)
		}
	}
	return df.reader.Close()
}

// MmapReadOnly maps the full current contents of a closed/stale datafile
// for zero-copy scanning, grounded in yonwoo9/go-bitcask's
// updateMmap/mmapFile (file.go). beetle reserves this for tooling that
// wants to scan a large
// merged segment without repeated pread syscalls; the hot Get path uses
// ReadAt, which is simpler to keep correct as files grow underneath a
// concurrent reader.
func MmapReadOnly(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if fi.Size() == 0 {
		return nil, f.Close, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	cleanup := func() error {
		if uerr := unix.Munmap(data); uerr != nil {
			f.Close()
			return uerr
		}
		return f.Close()
	}
	return data, cleanup, nil
}
