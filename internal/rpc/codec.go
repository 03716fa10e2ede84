package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"serva/internal/config"
	"serva/internal/manage"
	"serva/internal/upload"
)

// Messages of the api.ServaManager service, encoded by hand on top of
// protowire. Field numbers must stay in sync with the front-end's .proto.

var errWireType = errors.New("unexpected wire type")

// value is one decoded field.
type value struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

func (v value) str() (string, error) {
	if v.typ != protowire.BytesType {
		return "", errWireType
	}
	return string(v.b), nil
}

func (v value) bytes() ([]byte, error) {
	if v.typ != protowire.BytesType {
		return nil, errWireType
	}
	return append([]byte(nil), v.b...), nil
}

func (v value) uint() (uint64, error) {
	if v.typ != protowire.VarintType {
		return 0, errWireType
	}
	return v.u, nil
}

func (v value) bool() (bool, error) {
	u, err := v.uint()
	return u != 0, err
}

// walk calls fn for every field in b. Unknown fields are the caller's to
// ignore.
func walk(b []byte, fn func(num protowire.Number, v value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		v := value{typ: typ}
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

func appendUint(b []byte, num protowire.Number, u uint64) []byte {
	if u == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, u)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// appendMessage writes an embedded message even when it is empty, so a
// repeated field keeps its element count.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ListDir

func decodeListDirRequest(b []byte) (dirPath string, err error) {
	err = walk(b, func(num protowire.Number, v value) error {
		if num == 1 {
			dirPath, err = v.str()
			return err
		}
		return nil
	})
	return dirPath, err
}

func encodeListDirResponse(l *manage.Listing) []byte {
	var b []byte
	b = appendString(b, 1, l.DirPath)
	for _, d := range l.Directories {
		var e []byte
		e = appendString(e, 1, d.Path)
		e = appendUint(e, 2, uint64(d.ModifiedMs))
		b = appendMessage(b, 2, e)
	}
	for _, f := range l.Files {
		var e []byte
		e = appendString(e, 1, f.Path)
		e = appendUint(e, 2, uint64(f.ModifiedMs))
		e = appendUint(e, 3, f.Size)
		b = appendMessage(b, 3, e)
	}
	return b
}

// GetConfig

func encodeGetConfigResponse(info *config.Info) []byte {
	var b []byte
	b = appendString(b, 1, info.RootArg)
	b = appendString(b, 2, info.Root)
	b = appendString(b, 3, info.Prefix)

	p := info.Permission
	var pb []byte
	pb = appendBool(pb, 1, p.Create)
	pb = appendBool(pb, 2, p.Copy)
	pb = appendBool(pb, 3, p.Move)
	pb = appendBool(pb, 4, p.Delete)
	pb = appendBool(pb, 5, p.Rename)
	pb = appendBool(pb, 6, p.Upload)
	pb = appendBool(pb, 7, p.Download)
	b = appendMessage(b, 4, pb)

	for _, a := range info.Addresses {
		var ab []byte
		ab = appendString(ab, 1, a.Host)
		ab = appendUint(ab, 2, uint64(a.Port))
		b = appendMessage(b, 5, ab)
	}
	return b
}

// UploadFileChunk

// chunkRequest is the decoded UploadFileChunkRequest; ChunkSize is carried
// on the wire next to the data and must agree with it when set.
type chunkRequest struct {
	upload.Descriptor
	ChunkSize uint64
}

func decodeUploadFileChunkRequest(b []byte) (chunkRequest, error) {
	var r chunkRequest
	d := &r.Descriptor
	err := walk(b, func(num protowire.Number, v value) (err error) {
		switch num {
		case 1:
			d.DirPath, err = v.str()
		case 2:
			d.FileName, err = v.str()
		case 3:
			d.FileSize, err = v.uint()
		case 4:
			d.FileHash, err = v.str()
		case 5:
			d.Abort, err = v.bool()
		case 6:
			d.ChunkData, err = v.bytes()
		case 7:
			d.ChunkID, err = v.uint()
		case 8:
			d.ChunkCount, err = v.uint()
		case 9:
			d.ChunkOffset, err = v.uint()
		case 10:
			r.ChunkSize, err = v.uint()
		case 11:
			d.ChunkHash, err = v.str()
		}
		return err
	})
	return r, err
}

// ManageDirOrFile

func decodeManageRequest(b []byte) (manage.Request, error) {
	var r manage.Request
	err := walk(b, func(num protowire.Number, v value) (err error) {
		switch num {
		case 1:
			r.FilePathName, err = v.str()
		case 2:
			r.DirPath, err = v.str()
		case 3:
			r.Target, err = v.str()
		case 4:
			var op uint64
			op, err = v.uint()
			r.Operation = manage.Operation(int32(op))
		}
		return err
	})
	return r, err
}
