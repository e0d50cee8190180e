package netfs

import (
	"fmt"

	"github.com/lkarlslund/netfs/filesystem"
)

// Opcode selects the operation of a request. It is the first u32 sent on
// a connection.
type Opcode uint32

const (
	OpReadFile Opcode = iota + 1
	OpWriteFile
	OpStat
	OpList
	OpWalk
)

func (o Opcode) Valid() bool {
	return o >= OpReadFile && o <= OpWalk
}

func (o Opcode) String() string {
	switch o {
	case OpReadFile:
		return "READ_FILE"
	case OpWriteFile:
		return "WRITE_FILE"
	case OpStat:
		return "STAT"
	case OpList:
		return "LIST"
	case OpWalk:
		return "WALK"
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// Chunk markers
const (
	BeginChunkRequest uint32 = 0x1000
	BeginChunkReply   uint32 = 0x1001
)

// Reply error codes
const (
	ErrorOK uint32 = iota
	ErrorIO
)

// Entry and stat type tags
const (
	FileTypePlain uint32 = iota
	FileTypeDirectory
	FileTypeSpecial
)

const (
	DefaultPort = 7070

	chunkHeaderSize = 4 + 8
	replyHeaderSize = 4 + 4 + 8
	statBodySize    = 8 + 4
)

func fileType(t filesystem.PathType) uint32 {
	switch t {
	case filesystem.PathTypeFile:
		return FileTypePlain
	case filesystem.PathTypeDirectory:
		return FileTypeDirectory
	}
	return FileTypeSpecial
}

func pathType(t uint32) filesystem.PathType {
	switch t {
	case FileTypePlain:
		return filesystem.PathTypeFile
	case FileTypeDirectory:
		return filesystem.PathTypeDirectory
	}
	return filesystem.PathTypeSpecial
}
