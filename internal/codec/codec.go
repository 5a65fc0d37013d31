// Copyright 2024 The zdbfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec turns the fixed-layout records the backend stores (inodes,
// block tables, directory tables, direntries) into Go values and back. It
// mirrors the packed C structs a 0-db filesystem server keeps on the wire —
// zdb_inode_t, zdb_blocks_t, zdb_dir_t, zdb_direntry_t — by hand with
// encoding/binary rather than a schema compiler, since the layout is fixed
// and never versioned independently of this code.
//
// Every function here is pure: no I/O, no backend calls. Decoding is
// length-checked at each tail boundary; a short or inconsistent buffer
// returns a *zdbfserr.Error of KindCorrupt rather than panicking or
// returning zero values, so a caller can evict the offending cache row and
// force a reread instead of serving corrupt data.
package codec

import (
	"encoding/binary"
	"strconv"

	"github.com/threefoldtech/zdbfs/internal/zdbfserr"
)

// BlockSize is the maximum number of bytes stored under one data or temp
// key; files are chunked on this boundary.
const BlockSize = 131072

// Mode encodes the POSIX file type in its upper bits and permission bits in
// the lower 12, the same packing os.FileMode and C's st_mode share.
type Mode uint32

const (
	typeMask  Mode = 0o170000
	typeFifo  Mode = 0o010000
	typeChar  Mode = 0o020000
	typeDir   Mode = 0o040000
	typeBlock Mode = 0o060000
	typeFile  Mode = 0o100000
	typeLink  Mode = 0o120000
	typeSock  Mode = 0o140000
)

func (m Mode) IsDir() bool     { return m&typeMask == typeDir }
func (m Mode) IsRegular() bool { return m&typeMask == typeFile }
func (m Mode) IsSymlink() bool { return m&typeMask == typeLink }

// Perm returns the permission bits (the low 12 bits) of m.
func (m Mode) Perm() Mode { return m &^ typeMask }

// NewFileMode builds a regular-file Mode from permission bits.
func NewFileMode(perm uint32) Mode { return typeFile | Mode(perm&0o7777) }

// NewDirMode builds a directory Mode from permission bits.
func NewDirMode(perm uint32) Mode { return typeDir | Mode(perm&0o7777) }

// NewSymlinkMode builds a symlink Mode; symlinks are always 0777 by POSIX
// convention, the permission bits are not separately meaningful.
func NewSymlinkMode() Mode { return typeLink | 0o777 }

// headerSize is the byte length of the fixed inode header: mode, dev, uid,
// gid, size, links, atime, mtime, ctime. The original C zdb_inode_t also
// carries a redundant `ino` field inside the struct (marked "FIXME: not
// needed" in its own source) that this codec omits, since the inode number
// is already the meta-namespace key; the result is 36 bytes, not the 32
// the struct's name might suggest once that redundant field is dropped.
const headerSize = 4 + 4 + 2 + 2 + 8 + 4 + 4 + 4 + 4

// direntHeaderSize is the fixed portion of one packed direntry: size(2) +
// ino(4), with the name's length implied by size-direntHeaderSize.
const direntHeaderSize = 2 + 4

// Inode is the decoded form of a meta-namespace record.
type Inode struct {
	Mode  Mode
	Dev   uint32
	Uid   uint16
	Gid   uint16
	Size  uint64
	Links uint32
	Atime uint32
	Mtime uint32
	Ctime uint32

	// Exactly one of these is populated, selected by Mode's file type.
	Blocks  []uint32 // regular: permanent data-namespace ids, 0 = hole
	Dirents []Dirent // directory
	Symlink []byte   // symlink target, raw bytes
}

// Dirent is one entry of a directory's packed dir table.
type Dirent struct {
	Ino  uint32
	Name []byte
}

// encodedSize returns the byte size of d's packed representation.
func (d Dirent) encodedSize() int {
	return direntHeaderSize + len(d.Name)
}

// EncodeInode serializes in into the canonical on-disk byte layout.
func EncodeInode(in *Inode) ([]byte, error) {
	if !in.Mode.IsDir() && !in.Mode.IsRegular() && !in.Mode.IsSymlink() {
		return nil, zdbfserr.Corrupt("codec.EncodeInode", nil)
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(in.Mode))
	binary.LittleEndian.PutUint32(header[4:8], in.Dev)
	binary.LittleEndian.PutUint16(header[8:10], in.Uid)
	binary.LittleEndian.PutUint16(header[10:12], in.Gid)
	binary.LittleEndian.PutUint64(header[12:20], in.Size)
	binary.LittleEndian.PutUint32(header[20:24], in.Links)
	binary.LittleEndian.PutUint32(header[24:28], in.Atime)
	binary.LittleEndian.PutUint32(header[28:32], in.Mtime)
	binary.LittleEndian.PutUint32(header[32:36], in.Ctime)

	var tail []byte
	switch {
	case in.Mode.IsRegular():
		tail = encodeBlocks(in.Blocks)
	case in.Mode.IsDir():
		tail = encodeDir(in.Dirents)
	case in.Mode.IsSymlink():
		tail = append([]byte(nil), in.Symlink...)
	}

	return append(header, tail...), nil
}

// DecodeInode deserializes b, the inverse of EncodeInode. b is truncated or
// internally inconsistent returns a Corrupt error.
func DecodeInode(b []byte) (*Inode, error) {
	if len(b) < headerSize {
		return nil, zdbfserr.Corrupt("codec.DecodeInode", errShort("header", headerSize, len(b)))
	}

	in := &Inode{
		Mode:  Mode(binary.LittleEndian.Uint32(b[0:4])),
		Dev:   binary.LittleEndian.Uint32(b[4:8]),
		Uid:   binary.LittleEndian.Uint16(b[8:10]),
		Gid:   binary.LittleEndian.Uint16(b[10:12]),
		Size:  binary.LittleEndian.Uint64(b[12:20]),
		Links: binary.LittleEndian.Uint32(b[20:24]),
		Atime: binary.LittleEndian.Uint32(b[24:28]),
		Mtime: binary.LittleEndian.Uint32(b[28:32]),
		Ctime: binary.LittleEndian.Uint32(b[32:36]),
	}

	tail := b[headerSize:]

	switch {
	case in.Mode.IsRegular():
		blocks, err := decodeBlocks(tail)
		if err != nil {
			return nil, err
		}
		in.Blocks = blocks
	case in.Mode.IsDir():
		dirents, err := decodeDir(tail)
		if err != nil {
			return nil, err
		}
		in.Dirents = dirents
	case in.Mode.IsSymlink():
		in.Symlink = append([]byte(nil), tail...)
	default:
		return nil, zdbfserr.Corrupt("codec.DecodeInode", errShort("unknown mode", 0, 0))
	}

	return in, nil
}

func encodeBlocks(blocks []uint32) []byte {
	out := make([]byte, 8+4*len(blocks))
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(blocks)))
	for i, id := range blocks {
		off := 8 + 4*i
		binary.LittleEndian.PutUint32(out[off:off+4], id)
	}
	return out
}

func decodeBlocks(b []byte) ([]uint32, error) {
	if len(b) < 8 {
		return nil, zdbfserr.Corrupt("codec.decodeBlocks", errShort("blocks length", 8, len(b)))
	}
	length := binary.LittleEndian.Uint64(b[0:8])
	want := 8 + 4*int(length)
	if uint64(want-8) != 4*length || len(b) < want {
		return nil, zdbfserr.Corrupt("codec.decodeBlocks", errShort("blocks table", want, len(b)))
	}

	blocks := make([]uint32, length)
	for i := range blocks {
		off := 8 + 4*i
		blocks[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return blocks, nil
}

// DirSize returns the encoded byte length of a directory table holding
// dirents: the u32 length prefix plus each entry's own self-delimited size.
func DirSize(dirents []Dirent) int {
	size := 4
	for _, d := range dirents {
		size += d.encodedSize()
	}
	return size
}

func encodeDir(dirents []Dirent) []byte {
	out := make([]byte, 4, DirSize(dirents))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(dirents)))

	for _, d := range dirents {
		entry := make([]byte, d.encodedSize())
		binary.LittleEndian.PutUint16(entry[0:2], uint16(d.encodedSize()))
		binary.LittleEndian.PutUint32(entry[2:6], d.Ino)
		copy(entry[direntHeaderSize:], d.Name)
		out = append(out, entry...)
	}
	return out
}

func decodeDir(b []byte) ([]Dirent, error) {
	if len(b) < 4 {
		return nil, zdbfserr.Corrupt("codec.decodeDir", errShort("dir length", 4, len(b)))
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	rest := b[4:]

	dirents := make([]Dirent, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < direntHeaderSize {
			return nil, zdbfserr.Corrupt("codec.decodeDir", errShort("direntry header", direntHeaderSize, len(rest)))
		}
		size := binary.LittleEndian.Uint16(rest[0:2])
		if int(size) < direntHeaderSize || int(size) > len(rest) {
			return nil, zdbfserr.Corrupt("codec.decodeDir", errShort("direntry", int(size), len(rest)))
		}
		ino := binary.LittleEndian.Uint32(rest[2:6])
		name := append([]byte(nil), rest[direntHeaderSize:size]...)

		dirents = append(dirents, Dirent{Ino: ino, Name: name})
		rest = rest[size:]
	}

	if len(rest) != 0 {
		return nil, zdbfserr.Corrupt("codec.decodeDir", errShort("trailing bytes after dir table", 0, len(rest)))
	}

	return dirents, nil
}

func errShort(what string, want, got int) error {
	return &shortRecordError{what: what, want: want, got: got}
}

type shortRecordError struct {
	what     string
	want, got int
}

func (e *shortRecordError) Error() string {
	if e.want == 0 {
		return e.what
	}
	return e.what + ": wanted at least " + strconv.Itoa(e.want) + " bytes, got " + strconv.Itoa(e.got)
}
