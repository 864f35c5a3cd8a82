// Package fileops implements byte-range read/insert/update/delete over a
// single file rooted under a fixed server directory, and the bounds
// checking that rejects out-of-range requests.
package fileops

import (
	"os"
	"path/filepath"
)

// PathError reports that the client-supplied path does not resolve to
// an existing regular file under the server root.
type PathError struct {
	Path string
}

// Error returns the exact wire diagnostic mandated by spec §7; e.Path is
// retained for logging at the call site, not for the response body.
func (e *PathError) Error() string { return "Invalid File Path" }

// OpenError reports that the host refused to open an otherwise-valid path.
type OpenError struct {
	Path string
	Err  error
}

// Error returns the exact wire diagnostic mandated by spec §7; e.Path and
// e.Err are retained for logging at the call site, not for the response body.
func (e *OpenError) Error() string { return "Could not open file" }

// BoundsError reports an offset/amount combination that falls outside
// the file's current length. Msg is the exact diagnostic string the
// protocol mandates (e.g. "Offset is too large").
type BoundsError struct {
	Msg string
}

func (e *BoundsError) Error() string { return e.Msg }

// Store resolves client-supplied relative paths against a fixed root
// directory and performs the file mutations the protocol defines.
type Store struct {
	root string
}

// NewStore returns a Store rooted at dir. dir must already exist and be
// a directory; NewStore does not create it.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the directory this store is rooted at.
func (s *Store) Root() string { return s.root }

// Resolve joins relPath onto the server root and verifies it names an
// existing regular file (directories and symlinks to non-files are
// rejected, matching the original's `path.is_file() && path.exists()`).
func (s *Store) Resolve(relPath string) (string, error) {
	full := filepath.Join(s.root, relPath)
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", &PathError{Path: relPath}
	}
	return full, nil
}

// open resolves relPath and opens it read+write, sampling its length
// once, as spec.md §4.2 requires ("The file length L is sampled once
// per request before mutation").
func (s *Store) open(relPath string) (*os.File, int64, error) {
	full, err := s.Resolve(relPath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, &OpenError{Path: relPath, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, &OpenError{Path: relPath, Err: err}
	}
	return f, info.Size(), nil
}

// Read returns the exact amount bytes starting at offset. It never
// mutates the file and never triggers a monitor notification.
func (s *Store) Read(relPath string, offset, amount uint32) ([]byte, error) {
	f, length, err := s.open(relPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if uint64(offset) >= uint64(length) {
		return nil, &BoundsError{Msg: "Offset is too large"}
	}
	if uint64(offset)+uint64(amount) > uint64(length) {
		return nil, &BoundsError{Msg: "Offset+Amount is too large"}
	}

	buf := make([]byte, amount)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	return buf, nil
}

// Insert splices data into the file at offset, shifting the original
// [offset, L) tail rightward, and returns the full post-mutation
// contents for delivery to monitor subscribers.
func (s *Store) Insert(relPath string, offset uint32, data []byte) ([]byte, error) {
	f, length, err := s.open(relPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if uint64(offset) >= uint64(length) {
		return nil, &BoundsError{Msg: "Offset is too large"}
	}

	tail := make([]byte, length-int64(offset))
	if _, err := f.ReadAt(tail, int64(offset)); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	if _, err := f.WriteAt(tail, int64(offset)+int64(len(data))); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	return readAll(f)
}

// Update overwrites [offset, offset+len(data)) in place. The file's
// length is unchanged.
func (s *Store) Update(relPath string, offset uint32, data []byte) ([]byte, error) {
	f, length, err := s.open(relPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if uint64(offset) >= uint64(length) {
		return nil, &BoundsError{Msg: "Offset is too large"}
	}
	if uint64(offset)+uint64(len(data)) > uint64(length) {
		return nil, &BoundsError{Msg: "Offset+Data is too large"}
	}

	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	return readAll(f)
}

// Delete removes [offset, offset+amount) from the file, shifting the
// [offset+amount, L) tail leftward and truncating to L-amount.
func (s *Store) Delete(relPath string, offset, amount uint32) ([]byte, error) {
	f, length, err := s.open(relPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if uint64(offset) >= uint64(length) {
		return nil, &BoundsError{Msg: "Offset is too large"}
	}
	if uint64(offset)+uint64(amount) > uint64(length) {
		return nil, &BoundsError{Msg: "Offset+Amount is too large"}
	}

	tailStart := int64(offset) + int64(amount)
	tail := make([]byte, length-tailStart)
	if _, err := f.ReadAt(tail, tailStart); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	if _, err := f.WriteAt(tail, int64(offset)); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	if err := f.Truncate(length - int64(amount)); err != nil {
		return nil, &OpenError{Path: relPath, Err: err}
	}
	return readAll(f)
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}
