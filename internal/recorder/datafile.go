package recorder

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
)

// Data file defaults.
const (
	DefaultDirectory = "data"
	DefaultBaseName  = "daq_recording"

	// DataFilePermissions is the mode of created data files.
	DataFilePermissions = 0o644
	dataDirPermissions  = 0o755

	timestampLayout  = "200601021504"
	maxNameAttempts  = 100000
	writeBufferBytes = 64 * 1024
)

// FileOptions controls naming and preamble of a data file.
type FileOptions struct {
	Directory string
	// Filename is the base name; empty uses DefaultBaseName.
	Filename string
	// TimestampSuffix appends _YYYYMMDDHHMM (local time) to the name.
	TimestampSuffix bool
	// Zipped writes gzip and appends .gz.
	Zipped bool
	// VarNames writes the column header line.
	VarNames bool
	// Comment, when non-empty, is written as the first line prefixed by '#'.
	Comment string
}

// DataFile is an open recording output. Not safe for concurrent use.
type DataFile struct {
	name string
	path string

	file *os.File
	gz   *gzip.Writer
	w    *bufio.Writer
	row  []byte

	closed bool
}

// CreateDataFile creates a new file that never overwrites an existing one:
// on collision a numeric _N suffix is added to the base name.
func CreateDataFile(opts FileOptions, now time.Time) (*DataFile, error) {
	dir := opts.Directory
	if dir == "" {
		dir = DefaultDirectory
	}
	base := strings.TrimSpace(opts.Filename)
	if base == "" {
		base = DefaultBaseName
	}

	if err := os.MkdirAll(dir, dataDirPermissions); err != nil {
		return nil, fileError(err, "create directory", dir)
	}

	for cnt := 0; cnt < maxNameAttempts; cnt++ {
		name := dataFileName(base, cnt, opts, now)
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, DataFilePermissions)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fileError(err, "create data file", path)
		}
		return newDataFile(f, name, path, opts)
	}

	return nil, errors.Newf("no free data file name for %q after %d attempts", base, maxNameAttempts).
		Component("recorder").
		Category(errors.CategoryFileIO).
		Context("directory", dir).
		Build()
}

func dataFileName(base string, cnt int, opts FileOptions, now time.Time) string {
	name := base
	if cnt > 0 {
		name += fmt.Sprintf("_%d", cnt)
	}
	if opts.TimestampSuffix {
		name += "_" + now.Format(timestampLayout)
	}
	if opts.Zipped {
		name += ".gz"
	}
	return name
}

func newDataFile(f *os.File, name, path string, opts FileOptions) (*DataFile, error) {
	d := &DataFile{name: name, path: path, file: f}

	var out io.Writer = f
	if opts.Zipped {
		d.gz = gzip.NewWriter(f)
		out = d.gz
	}
	d.w = bufio.NewWriterSize(out, writeBufferBytes)

	if opts.Comment != "" {
		if err := d.WriteLine("#" + opts.Comment); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	if opts.VarNames {
		if err := d.WriteLine(Header); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	if err := d.Flush(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Name returns the file name without directory.
func (d *DataFile) Name() string { return d.name }

// Path returns the full path of the file.
func (d *DataFile) Path() string { return d.path }

// WriteLine writes s followed by a newline.
func (d *DataFile) WriteLine(s string) error {
	if d.closed {
		return errDataFileClosed(d.path)
	}
	if _, err := d.w.WriteString(s); err != nil {
		return fileError(err, "write", d.path)
	}
	if err := d.w.WriteByte('\n'); err != nil {
		return fileError(err, "write", d.path)
	}
	return nil
}

// WriteEvents writes one row per event and flushes to the OS.
func (d *DataFile) WriteEvents(events []daq.Event) error {
	if d.closed {
		return errDataFileClosed(d.path)
	}
	for _, ev := range events {
		d.row = AppendRow(d.row[:0], ev)
		if _, err := d.w.Write(d.row); err != nil {
			return fileError(err, "write", d.path)
		}
	}
	return d.Flush()
}

// Flush pushes buffered rows (and a gzip sync block) to the file.
func (d *DataFile) Flush() error {
	if d.closed {
		return nil
	}
	if err := d.w.Flush(); err != nil {
		return fileError(err, "flush", d.path)
	}
	if d.gz != nil {
		if err := d.gz.Flush(); err != nil {
			return fileError(err, "flush", d.path)
		}
	}
	return nil
}

// Close flushes and closes the file. Safe to call more than once.
func (d *DataFile) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if err := d.w.Flush(); err != nil {
		errs = append(errs, err)
	}
	if d.gz != nil {
		if err := d.gz.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fileError(err, "close", d.path)
	}
	return nil
}

func fileError(err error, op, path string) error {
	return errors.New(err).
		Component("recorder").
		Category(errors.CategoryFileIO).
		Context("operation", op).
		Context("path", path).
		Build()
}

func errDataFileClosed(path string) error {
	return errors.New(ErrDataFileClosed).
		Component("recorder").
		Category(errors.CategoryState).
		Context("path", path).
		Build()
}
