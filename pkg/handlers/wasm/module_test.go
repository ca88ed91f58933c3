package wasm

import "encoding/binary"

// testModule describes a minimal handler module. malloc always returns
// inputOffset, free does nothing and handle runs body.
type testModule struct {
	importLog  bool
	handleName string // defaults to "handle"
	body       []byte
	data       map[uint32][]byte
}

const inputOffset = 4096

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opLocalGet    = 0x20
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI64Or       = 0x84
	opI64Shl      = 0x86
	opI64ExtendU  = 0xad
	typeI32       = 0x7f
	typeI64       = 0x7e
	blockEmpty    = 0x40
)

func uleb(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(payload)))...), payload...)
}

func funcType(params, results []byte) []byte {
	out := append([]byte{0x60}, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

func code(body ...byte) []byte {
	full := append([]byte{0x00}, body...) // no locals
	full = append(full, opEnd)
	return append(uleb(uint64(len(full))), full...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

// returnAt is a handle body returning the result stored at ptr.
func returnAt(ptr uint32, length int) []byte {
	return append([]byte{opI64Const}, sleb(int64(ptr)<<32|int64(length))...)
}

// logThenReturn calls env.log (function 0) before returning the result at ptr.
func logThenReturn(level int32, msgPtr uint32, msgLen int, ptr uint32, length int) []byte {
	var out []byte
	out = append(out, i32Const(level)...)
	out = append(out, i32Const(int32(msgPtr))...)
	out = append(out, i32Const(int32(msgLen))...)
	out = append(out, opCall, 0x00)
	return append(out, returnAt(ptr, length)...)
}

// echoBody returns its own input as the result.
var echoBody = []byte{
	opLocalGet, 0, opI64ExtendU,
	opI64Const, 32, opI64Shl,
	opLocalGet, 1, opI64ExtendU,
	opI64Or,
}

var trapBody = []byte{opUnreachable}

// spinBody loops forever.
var spinBody = []byte{opLoop, blockEmpty, opBr, 0, opEnd, opI64Const, 0}

func (m testModule) bytes() []byte {
	handleName := m.handleName
	if handleName == "" {
		handleName = exportHandle
	}

	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	out = append(out, section(1, vec(
		funcType([]byte{typeI32}, []byte{typeI32}),         // malloc
		funcType([]byte{typeI32}, nil),                     // free
		funcType([]byte{typeI32, typeI32}, []byte{typeI64}), // handle
		funcType([]byte{typeI32, typeI32, typeI32}, nil),   // log
	))...)

	var first uint64
	if m.importLog {
		out = append(out, section(2, vec(
			append(append(name("env"), name("log")...), 0x00, 0x03),
		))...)
		first = 1
	}

	out = append(out, section(3, vec([]byte{0}, []byte{1}, []byte{2}))...)
	out = append(out, section(5, vec([]byte{0x00, 0x01}))...)
	out = append(out, section(7, vec(
		append(name(exportMemory), 0x02, 0x00),
		append(append(name(exportMalloc), 0x00), uleb(first)...),
		append(append(name(exportFree), 0x00), uleb(first+1)...),
		append(append(name(handleName), 0x00), uleb(first+2)...),
	))...)
	out = append(out, section(10, vec(
		code(i32Const(inputOffset)...),
		code(),
		code(m.body...),
	))...)

	if len(m.data) > 0 {
		var segments [][]byte
		for offset, data := range m.data {
			seg := append([]byte{0x00}, i32Const(int32(offset))...)
			seg = append(seg, opEnd)
			seg = append(seg, uleb(uint64(len(data)))...)
			segments = append(segments, append(seg, data...))
		}
		out = append(out, section(11, vec(segments...))...)
	}
	return out
}
