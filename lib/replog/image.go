package replog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ValentinKolb/dSync/lib/db"
)

// Image layout:
//
//	magic "DSYNCIMG" | version (1) | position (8) | epoch (8)
//	repeated: key length (4) | key | value length (4) | value
//	end marker 0xffffffff | number of pairs (8)
const (
	imageMagic   = "DSYNCIMG"
	imageVersion = 1
	imageEnd     = 0xffffffff
)

var ErrBadImage = errors.New("replog: malformed store image")

// ImageHeader names the log position a store image represents.
type ImageHeader struct {
	Position uint64
	Epoch    uint64
}

// WriteImage streams every key of r to w, except those for which skip
// returns true. Operations in overlay replace what r holds for their keys.
func WriteImage(w io.Writer, hdr ImageHeader, r db.Reader, overlay *db.Batch, skip func(key []byte) bool) (int, error) {
	bw := bufio.NewWriter(w)
	head := append([]byte(imageMagic), imageVersion)
	head = binary.BigEndian.AppendUint64(head, hdr.Position)
	head = binary.BigEndian.AppendUint64(head, hdr.Epoch)
	if _, err := bw.Write(head); err != nil {
		return 0, err
	}

	count := 0
	emit := func(k, v []byte) error {
		if skip != nil && skip(k) {
			return nil
		}
		var lens [4]byte
		binary.BigEndian.PutUint32(lens[:], uint32(len(k)))
		bw.Write(lens[:])
		bw.Write(k)
		binary.BigEndian.PutUint32(lens[:], uint32(len(v)))
		bw.Write(lens[:])
		_, err := bw.Write(v)
		count++
		return err
	}

	over := overlay.SortedKeys()
	it := r.Scan(nil, nil)
	defer it.Close()
	more := it.Next()
	for more || len(over) > 0 {
		var err error
		switch {
		case len(over) > 0 && (!more || bytes.Compare(over[0], it.Key()) <= 0):
			if more && bytes.Equal(over[0], it.Key()) {
				more = it.Next()
			}
			op, _ := overlay.Lookup(over[0])
			over = over[1:]
			if !op.Delete {
				err = emit(op.Key, op.Value)
			}
		default:
			err = emit(it.Key(), it.Value())
			more = it.Next()
		}
		if err != nil {
			return count, err
		}
	}
	if err := it.Err(); err != nil {
		return count, err
	}

	tail := binary.BigEndian.AppendUint32(nil, imageEnd)
	tail = binary.BigEndian.AppendUint64(tail, uint64(count))
	if _, err := bw.Write(tail); err != nil {
		return count, err
	}
	return count, bw.Flush()
}

// ReadImage parses an image and calls fn for every pair in key order.
func ReadImage(r io.Reader, fn func(key, value []byte) error) (ImageHeader, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(imageMagic)+1+16)
	if _, err := io.ReadFull(br, head); err != nil {
		return ImageHeader{}, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if string(head[:len(imageMagic)]) != imageMagic || head[len(imageMagic)] != imageVersion {
		return ImageHeader{}, fmt.Errorf("%w: unknown format", ErrBadImage)
	}
	off := len(imageMagic) + 1
	hdr := ImageHeader{
		Position: binary.BigEndian.Uint64(head[off : off+8]),
		Epoch:    binary.BigEndian.Uint64(head[off+8 : off+16]),
	}

	var (
		lens  [4]byte
		count uint64
	)
	readChunk := func() ([]byte, bool, error) {
		if _, err := io.ReadFull(br, lens[:]); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		n := binary.BigEndian.Uint32(lens[:])
		if n == imageEnd {
			return nil, true, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		return buf, false, nil
	}
	for {
		k, end, err := readChunk()
		if err != nil {
			return hdr, err
		}
		if end {
			break
		}
		v, end, err := readChunk()
		if err != nil {
			return hdr, err
		}
		if end {
			return hdr, fmt.Errorf("%w: missing value", ErrBadImage)
		}
		if err := fn(k, v); err != nil {
			return hdr, err
		}
		count++
	}
	var trailer [8]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if binary.BigEndian.Uint64(trailer[:]) != count {
		return hdr, fmt.Errorf("%w: expected %d pairs, read %d", ErrBadImage, binary.BigEndian.Uint64(trailer[:]), count)
	}
	return hdr, nil
}

// --------------------------------------------------------------------------
// Snapshot transfer
// --------------------------------------------------------------------------

// BuildImage writes the committed state to w. Entries that are applied but
// not yet committed are masked out through their undo images.
func (l *Log) BuildImage(w io.Writer) (ImageHeader, error) {
	l.mu.Lock()
	snap, err := l.kv.NewSnapshot()
	if err != nil {
		l.mu.Unlock()
		return ImageHeader{}, err
	}
	defer snap.Close()

	overlay := db.NewBatch()
	if l.hs.Applied > l.hs.Commit {
		if overlay, err = l.undoLocked(l.hs.Commit); err != nil {
			l.mu.Unlock()
			return ImageHeader{}, err
		}
	}
	hdr := ImageHeader{Position: l.hs.Commit}
	hdr.Epoch, err = l.epochAtLocked(l.hs.Commit)
	l.mu.Unlock()
	if err != nil {
		return hdr, err
	}

	n, err := WriteImage(w, hdr, snap, overlay, IsLogKey)
	if err == nil {
		log.Infof("built store image at %d/%d with %d keys", hdr.Position, hdr.Epoch, n)
	}
	return hdr, err
}

// Restore replaces the whole state and the log with an image. The log
// continues from the image position.
func (l *Log) Restore(r io.Reader) (ImageHeader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leaderEpoch != 0 {
		return ImageHeader{}, ErrNotLeader
	}

	b := db.NewBatch()
	it := l.kv.Scan(nil, nil)
	for it.Next() {
		b.Delete(it.Key())
	}
	err := it.Err()
	it.Close()
	if err != nil {
		return ImageHeader{}, err
	}

	hdr, err := ReadImage(r, func(k, v []byte) error {
		if IsLogKey(k) {
			return fmt.Errorf("%w: log key in image", ErrBadImage)
		}
		b.Set(k, v)
		return nil
	})
	if err != nil {
		return hdr, err
	}
	if hdr.Position < l.hs.Commit {
		return hdr, fmt.Errorf("replog: image at %d is older than the local commit %d", hdr.Position, l.hs.Commit)
	}

	hs := l.hs
	hs.Base, hs.BaseEpoch = hdr.Position, hdr.Epoch
	hs.Last, hs.LastEpoch = hdr.Position, hdr.Epoch
	hs.Commit, hs.Applied = hdr.Position, hdr.Position
	if err := l.persistLocked(b, hs); err != nil {
		return hdr, err
	}
	log.Infof("restored store image at %d/%d", hdr.Position, hdr.Epoch)
	return hdr, nil
}
