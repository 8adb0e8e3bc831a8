// Package wire implements the LSNP key-value frame codec.
//
// A frame is a UTF-8 text block of "KEY: VALUE" lines separated by \n and
// terminated by a blank line. Keys keep their insertion order on encode;
// lines without ": " are ignored on decode.
package wire

import (
	"errors"
	"strconv"
	"strings"
)

// Field names used across message types.
const (
	FieldType          = "TYPE"
	FieldUserID        = "USER_ID"
	FieldDisplayName   = "DISPLAY_NAME"
	FieldFrom          = "FROM"
	FieldTo            = "TO"
	FieldContent       = "CONTENT"
	FieldTimestamp     = "TIMESTAMP"
	FieldMessageID     = "MESSAGE_ID"
	FieldToken         = "TOKEN"
	FieldStatus        = "STATUS"
	FieldTTL           = "TTL"
	FieldAction        = "ACTION"
	FieldPostTimestamp = "POST_TIMESTAMP"
	FieldFilename      = "FILENAME"
	FieldFilesize      = "FILESIZE"
	FieldFiletype      = "FILETYPE"
	FieldFileID        = "FILEID"
	FieldDescription   = "DESCRIPTION"
	FieldChunkIndex    = "CHUNK_INDEX"
	FieldTotalChunks   = "TOTAL_CHUNKS"
	FieldChunkSize     = "CHUNK_SIZE"
	FieldData          = "DATA"
	FieldGroupID       = "GROUP_ID"
	FieldGroupName     = "GROUP_NAME"
	FieldMembers       = "MEMBERS"
	FieldAdd           = "ADD"
	FieldRemove        = "REMOVE"
	FieldGameID        = "GAMEID"
	FieldPosition      = "POSITION"
	FieldSymbol        = "SYMBOL"
	FieldTurn          = "TURN"
	FieldResult        = "RESULT"
	FieldWinningLine   = "WINNING_LINE"
	FieldAvatarType    = "AVATAR_TYPE"
	FieldAvatarEnc     = "AVATAR_ENCODING"
	FieldAvatarData    = "AVATAR_DATA"
)

// Frame types.
const (
	TypeProfile      = "PROFILE"
	TypePing         = "PING"
	TypeDM           = "DM"
	TypeAck          = "ACK"
	TypeFollow       = "FOLLOW"
	TypeUnfollow     = "UNFOLLOW"
	TypePost         = "POST"
	TypeLike         = "LIKE"
	TypeFileOffer    = "FILE_OFFER"
	TypeFileAccept   = "FILE_ACCEPT"
	TypeFileReject   = "FILE_REJECT"
	TypeFileChunk    = "FILE_CHUNK"
	TypeFileRecv     = "FILE_RECEIVED"
	TypeGroupCreate  = "GROUP_CREATE"
	TypeGroupAdd     = "GROUP_ADD"
	TypeGroupRemove  = "GROUP_REMOVE"
	TypeGroupMessage = "GROUP_MESSAGE"
	TypeGameInvite   = "TICTACTOE_INVITE"
	TypeGameMove     = "TICTACTOE_MOVE"
	TypeGameResult   = "TICTACTOE_RESULT"
	TypeRevoke       = "REVOKE"
)

// ErrNoType is returned by Parse when the frame lacks a TYPE field.
var ErrNoType = errors.New("wire: frame has no TYPE field")

type pair struct {
	key, value string
}

// Frame is an ordered set of key-value fields.
type Frame struct {
	pairs []pair
	index map[string]int
}

// New returns a frame with TYPE set as its first field.
func New(typ string) *Frame {
	f := &Frame{index: make(map[string]int)}
	f.Set(FieldType, typ)
	return f
}

// Set appends the field, or replaces its value in place if the key exists.
func (f *Frame) Set(key, value string) *Frame {
	if i, ok := f.index[key]; ok {
		f.pairs[i].value = value
		return f
	}
	f.index[key] = len(f.pairs)
	f.pairs = append(f.pairs, pair{key, value})
	return f
}

// Get returns the value for key, or "" if absent.
func (f *Frame) Get(key string) string {
	if i, ok := f.index[key]; ok {
		return f.pairs[i].value
	}
	return ""
}

// Has reports whether the key is present.
func (f *Frame) Has(key string) bool {
	_, ok := f.index[key]
	return ok
}

// GetInt parses the field as an int; missing or malformed fields yield -1.
func (f *Frame) GetInt(key string) int {
	n, err := strconv.Atoi(f.Get(key))
	if err != nil {
		return -1
	}
	return n
}

// GetInt64 parses the field as an int64; missing or malformed fields yield -1.
func (f *Frame) GetInt64(key string) int64 {
	n, err := strconv.ParseInt(f.Get(key), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Type returns the TYPE field.
func (f *Frame) Type() string {
	return f.Get(FieldType)
}

// Len returns the number of fields.
func (f *Frame) Len() int {
	return len(f.pairs)
}

// Marshal encodes the frame in insertion order with the \n\n terminator.
func (f *Frame) Marshal() []byte {
	var b strings.Builder
	for _, p := range f.pairs {
		b.WriteString(p.key)
		b.WriteString(": ")
		b.WriteString(p.value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func (f *Frame) String() string {
	return strings.TrimRight(string(f.Marshal()), "\n")
}

// Parse decodes a datagram into a frame. Empty lines and lines without the
// ": " separator are skipped. The value is the raw remainder of the line
// after the first ": ". Frames without a TYPE field are rejected.
func Parse(data []byte) (*Frame, error) {
	f := &Frame{index: make(map[string]int)}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		f.Set(key, value)
	}
	if !f.Has(FieldType) {
		return nil, ErrNoType
	}
	return f, nil
}
