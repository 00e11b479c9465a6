// Package coreindex builds and parses the publication artifact: a
// signed, compressed, encrypted binary manifest describing one folder
// version precisely enough to fetch and reassemble it. Serialization
// is deterministic, length-prefixed, little-endian; the trailing
// Ed25519 signature covers everything before it and verifies against
// the embedded folder public key.
package coreindex

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/nntpvault/nntpvault/pkg/crypto"
	"github.com/nntpvault/nntpvault/pkg/errdefs"
	"github.com/nntpvault/nntpvault/pkg/types"
)

// Format magic and version.
var magic = []byte("NVIX")

const formatVersion = 1

// Index is the decoded manifest.
type Index struct {
	FolderID  string
	Version   int64
	Stats     types.FolderStats
	PublicKey []byte

	// ContentKey decrypts the content segments. It travels only
	// inside the sealed index, so deriving the index key is the sole
	// gate to the content.
	ContentKey []byte

	Files        []FileEntry
	PackedGroups []PackedGroupEntry
}

// FileEntry describes one file. A file is either segmented in place
// (Segments non-empty) or carried inside a packed group (Packed set).
type FileEntry struct {
	Path     string
	Size     int64
	Hash     []byte
	Segments []SegmentEntry
	Packed   *PackedRef
}

// PackedRef locates a small file inside a packed group's plaintext.
type PackedRef struct {
	GroupID string
	Offset  int64
	Length  int64
}

// SegmentEntry describes one plaintext segment and its replicas.
type SegmentEntry struct {
	SegmentID    string
	SegmentIndex int
	PlainSize    int64
	ContentHash  []byte
	Replicas     []ReplicaEntry
}

// ReplicaEntry carries everything needed to fetch and decrypt one
// replica.
type ReplicaEntry struct {
	RedundancyIndex int
	MessageID       string
	Newsgroup       string
	ExternalSubject string
	Nonce           []byte
	PaddingLength   int
	CiphertextSize  int64
}

// PackedGroupEntry is the segment backing one packed group.
type PackedGroupEntry struct {
	GroupID string
	Segment SegmentEntry
}

// Encode serializes the index and appends the signature.
func (idx *Index) Encode(priv ed25519.PrivateKey) ([]byte, error) {
	body, err := idx.marshal()
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(priv, body)

	out := make([]byte, 0, len(body)+4+len(sig))
	out = append(out, body...)
	out = appendBytes(out, sig)
	return out, nil
}

// Decode parses a signed index and verifies the signature against
// the embedded public key. Any tampering fails verification.
func Decode(data []byte) (*Index, error) {
	// The signature is the trailing length-prefixed field; everything
	// before it is the signed body. Walk the body to find its end.
	idx, bodyLen, err := unmarshal(data)
	if err != nil {
		return nil, errdefs.IntegrityError.New("malformed index: %v", err)
	}

	r := reader{buf: data, off: bodyLen}
	sig, err := r.bytes()
	if err != nil {
		return nil, errdefs.IntegrityError.New("malformed signature: %v", err)
	}
	if r.off != len(data) {
		return nil, errdefs.IntegrityError.New("trailing garbage after signature")
	}
	if !crypto.Verify(idx.PublicKey, data[:bodyLen], sig) {
		return nil, errdefs.IntegrityError.New("index signature verification failed")
	}
	return idx, nil
}

// Seal compresses the signed index with raw deflate at max level and
// encrypts it under the per-share index key.
func Seal(signed, indexKey []byte) ([]byte, error) {
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(signed); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return crypto.EncryptBlob(indexKey, compressed.Bytes())
}

// Open reverses Seal. An authentication failure means the caller's
// derived index key is wrong.
func Open(blob, indexKey []byte) ([]byte, error) {
	compressed, err := crypto.DecryptBlob(indexKey, blob)
	if err != nil {
		return nil, errdefs.AccessDenied.New("index decryption failed")
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	signed, err := io.ReadAll(fr)
	if err != nil {
		return nil, errdefs.IntegrityError.New("index decompression failed: %v", err)
	}
	return signed, nil
}

// --- serialization ---

func (idx *Index) marshal() ([]byte, error) {
	var b []byte
	b = append(b, magic...)
	b = append(b, formatVersion)
	b = appendString(b, idx.FolderID)
	b = appendInt64(b, idx.Version)
	b = appendInt64(b, idx.Stats.FileCount)
	b = appendInt64(b, idx.Stats.ByteCount)
	b = appendInt64(b, idx.Stats.SegmentCount)
	b = appendUint32(b, uint32(idx.Stats.RedundancyFactor))
	b = appendInt64(b, idx.Stats.SegmentSize)
	b = appendBytes(b, idx.PublicKey)
	b = appendBytes(b, idx.ContentKey)

	b = appendUint32(b, uint32(len(idx.Files)))
	for i := range idx.Files {
		f := &idx.Files[i]
		b = appendString(b, f.Path)
		b = appendInt64(b, f.Size)
		b = appendBytes(b, f.Hash)
		if f.Packed != nil {
			b = append(b, 1)
			b = appendString(b, f.Packed.GroupID)
			b = appendInt64(b, f.Packed.Offset)
			b = appendInt64(b, f.Packed.Length)
		} else {
			b = append(b, 0)
			b = appendUint32(b, uint32(len(f.Segments)))
			for j := range f.Segments {
				b = appendSegment(b, &f.Segments[j])
			}
		}
	}

	b = appendUint32(b, uint32(len(idx.PackedGroups)))
	for i := range idx.PackedGroups {
		g := &idx.PackedGroups[i]
		b = appendString(b, g.GroupID)
		b = appendSegment(b, &g.Segment)
	}
	return b, nil
}

func appendSegment(b []byte, s *SegmentEntry) []byte {
	b = appendString(b, s.SegmentID)
	b = appendUint32(b, uint32(s.SegmentIndex))
	b = appendInt64(b, s.PlainSize)
	b = appendBytes(b, s.ContentHash)
	b = appendUint32(b, uint32(len(s.Replicas)))
	for i := range s.Replicas {
		r := &s.Replicas[i]
		b = appendUint32(b, uint32(r.RedundancyIndex))
		b = appendString(b, r.MessageID)
		b = appendString(b, r.Newsgroup)
		b = appendString(b, r.ExternalSubject)
		b = appendBytes(b, r.Nonce)
		b = appendUint32(b, uint32(r.PaddingLength))
		b = appendInt64(b, r.CiphertextSize)
	}
	return b
}

func unmarshal(data []byte) (*Index, int, error) {
	r := reader{buf: data}
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, 0, fmt.Errorf("bad magic")
	}
	r.off = len(magic)
	ver, err := r.byte()
	if err != nil {
		return nil, 0, err
	}
	if ver != formatVersion {
		return nil, 0, fmt.Errorf("unsupported format version %d", ver)
	}

	idx := &Index{}
	if idx.FolderID, err = r.string(); err != nil {
		return nil, 0, err
	}
	if idx.Version, err = r.int64(); err != nil {
		return nil, 0, err
	}
	if idx.Stats.FileCount, err = r.int64(); err != nil {
		return nil, 0, err
	}
	if idx.Stats.ByteCount, err = r.int64(); err != nil {
		return nil, 0, err
	}
	if idx.Stats.SegmentCount, err = r.int64(); err != nil {
		return nil, 0, err
	}
	rf, err := r.uint32()
	if err != nil {
		return nil, 0, err
	}
	idx.Stats.RedundancyFactor = int(rf)
	if idx.Stats.SegmentSize, err = r.int64(); err != nil {
		return nil, 0, err
	}
	if idx.PublicKey, err = r.bytes(); err != nil {
		return nil, 0, err
	}
	if idx.ContentKey, err = r.bytes(); err != nil {
		return nil, 0, err
	}

	nFiles, err := r.uint32()
	if err != nil {
		return nil, 0, err
	}
	if err := r.sane(nFiles); err != nil {
		return nil, 0, err
	}
	idx.Files = make([]FileEntry, nFiles)
	for i := range idx.Files {
		f := &idx.Files[i]
		if f.Path, err = r.string(); err != nil {
			return nil, 0, err
		}
		if f.Size, err = r.int64(); err != nil {
			return nil, 0, err
		}
		if f.Hash, err = r.bytes(); err != nil {
			return nil, 0, err
		}
		packed, err := r.byte()
		if err != nil {
			return nil, 0, err
		}
		if packed == 1 {
			ref := &PackedRef{}
			if ref.GroupID, err = r.string(); err != nil {
				return nil, 0, err
			}
			if ref.Offset, err = r.int64(); err != nil {
				return nil, 0, err
			}
			if ref.Length, err = r.int64(); err != nil {
				return nil, 0, err
			}
			f.Packed = ref
		} else {
			nSegs, err := r.uint32()
			if err != nil {
				return nil, 0, err
			}
			if err := r.sane(nSegs); err != nil {
				return nil, 0, err
			}
			if nSegs > 0 {
				f.Segments = make([]SegmentEntry, nSegs)
			}
			for j := range f.Segments {
				if err := readSegment(&r, &f.Segments[j]); err != nil {
					return nil, 0, err
				}
			}
		}
	}

	nGroups, err := r.uint32()
	if err != nil {
		return nil, 0, err
	}
	if err := r.sane(nGroups); err != nil {
		return nil, 0, err
	}
	if nGroups > 0 {
		idx.PackedGroups = make([]PackedGroupEntry, nGroups)
	}
	for i := range idx.PackedGroups {
		g := &idx.PackedGroups[i]
		if g.GroupID, err = r.string(); err != nil {
			return nil, 0, err
		}
		if err := readSegment(&r, &g.Segment); err != nil {
			return nil, 0, err
		}
	}
	return idx, r.off, nil
}

func readSegment(r *reader, s *SegmentEntry) error {
	var err error
	if s.SegmentID, err = r.string(); err != nil {
		return err
	}
	si, err := r.uint32()
	if err != nil {
		return err
	}
	s.SegmentIndex = int(si)
	if s.PlainSize, err = r.int64(); err != nil {
		return err
	}
	if s.ContentHash, err = r.bytes(); err != nil {
		return err
	}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	if err := r.sane(n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	s.Replicas = make([]ReplicaEntry, n)
	for i := range s.Replicas {
		rep := &s.Replicas[i]
		ri, err := r.uint32()
		if err != nil {
			return err
		}
		rep.RedundancyIndex = int(ri)
		if rep.MessageID, err = r.string(); err != nil {
			return err
		}
		if rep.Newsgroup, err = r.string(); err != nil {
			return err
		}
		if rep.ExternalSubject, err = r.string(); err != nil {
			return err
		}
		if rep.Nonce, err = r.bytes(); err != nil {
			return err
		}
		pl, err := r.uint32()
		if err != nil {
			return err
		}
		rep.PaddingLength = int(pl)
		if rep.CiphertextSize, err = r.int64(); err != nil {
			return err
		}
	}
	return nil
}

// --- little-endian length-prefixed primitives ---

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return append(b, buf[:]...)
}

func appendBytes(b, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func appendString(b []byte, v string) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

type reader struct {
	buf []byte
	off int
}

// sane rejects element counts that could not fit in the remaining
// input, so a corrupted length prefix cannot force a huge allocation.
func (r *reader) sane(n uint32) error {
	if int64(n) > int64(len(r.buf)-r.off) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) int64() (int64, error) {
	if r.off+8 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	if len(v) == 0 {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *reader) string() (string, error) {
	v, err := r.bytes()
	return string(v), err
}
