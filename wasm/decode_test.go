package wasm

import (
	"encoding/binary"
	"testing"
)

// uleb encodes n as unsigned LEB128; every value this file needs fits in a
// handful of 7-bit groups.
func uleb(n uint32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func sleb(n int32) []byte {
	var out []byte
	more := true
	for more {
		b := byte(n & 0x7F)
		n >>= 7
		if (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func nameBytes(s string) []byte {
	return append(uleb(uint32(len(s))), []byte(s)...)
}

func section(id byte, body []byte) []byte {
	return append(append([]byte{id}, uleb(uint32(len(body)))...), body...)
}

// buildModule assembles a minimal, valid-header WASM binary from pre-built
// section bodies, in section-id order.
func buildModule(sections ...[]byte) []byte {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], magicNumber)
	binary.LittleEndian.PutUint32(header[4:8], binaryVer1)
	out := header
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// identityModule builds the identity-write program (start reads spv.id,
// calls buffer:0:0:store(i*4, i)) as a raw WASM binary, exercising the
// decoder the way Compile's first stage actually receives input.
func identityModule(t *testing.T) []byte {
	t.Helper()

	// Type 0: () -> ()   (the start function)
	// Type 1: (i32,i32) -> ()  (buffer store import)
	typeSec := append(uleb(2),
		append([]byte{0x60}, append(uleb(0), uleb(0)...)...)...)
	typeSec = append(typeSec, append([]byte{0x60},
		append(append(uleb(2), byte(I32), byte(I32)), uleb(0)...)...)...)

	// Imports: func "spv"."buffer:0:0:store" : type 1; global "spv"."id" : i32 immutable
	importSec := uleb(2)
	importSec = append(importSec, nameBytes("spv")...)
	importSec = append(importSec, nameBytes("buffer:0:0:store")...)
	importSec = append(importSec, 0x00) // func import
	importSec = append(importSec, uleb(1)...)
	importSec = append(importSec, nameBytes("spv")...)
	importSec = append(importSec, nameBytes("id")...)
	importSec = append(importSec, 0x03) // global import
	importSec = append(importSec, byte(I32), 0x00)

	// Function section: one defined function, type 0.
	funcSec := append(uleb(1), uleb(0)...)

	// Start section: combined func index 1 (import is index 0).
	startSec := uleb(1)

	// Code section: one body, no locals:
	//   get_global 0; i32.const 4; i32.mul; get_global 0; call 0; end
	body := []byte{}
	body = append(body, 0x23, 0x00) // get_global 0
	body = append(body, 0x41)       // i32.const
	body = append(body, sleb(4)...)
	body = append(body, 0x6C)            // i32.mul
	body = append(body, 0x23, 0x00)      // get_global 0
	body = append(body, 0x10, 0x00)      // call 0
	body = append(body, 0x0B)            // end
	funcBody := append(uleb(0), body...) // 0 local-entry groups
	codeSec := append(uleb(1), append(uleb(uint32(len(funcBody))), funcBody...)...)

	return buildModule(
		section(sectionType, typeSec),
		section(sectionImport, importSec),
		section(sectionFunc, funcSec),
		section(sectionStart, startSec),
		section(sectionCode, codeSec),
	)
}

func TestDecode_IdentityModule(t *testing.T) {
	data := identityModule(t)
	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m.Types) != 2 {
		t.Fatalf("got %d types, want 2", len(m.Types))
	}
	if m.NumImportedFuncs != 1 || m.NumImportedGlobals != 1 {
		t.Fatalf("got NumImportedFuncs=%d NumImportedGlobals=%d, want 1, 1", m.NumImportedFuncs, m.NumImportedGlobals)
	}
	if !m.HasStart || m.Start != 1 {
		t.Fatalf("got HasStart=%v Start=%d, want true, 1", m.HasStart, m.Start)
	}
	if len(m.Code) != 1 {
		t.Fatalf("got %d code bodies, want 1", len(m.Code))
	}
	if len(m.Code[0].Code) != 6 {
		t.Fatalf("got %d instructions, want 6: %+v", len(m.Code[0].Code), m.Code[0].Code)
	}
	if m.Code[0].Code[0].Op != OpGetGlobal || m.Code[0].Code[0].Index != 0 {
		t.Errorf("instruction 0 = %+v, want get_global 0", m.Code[0].Code[0])
	}
	if m.Code[0].Code[4].Op != OpCall || m.Code[0].Code[4].Index != 0 {
		t.Errorf("instruction 4 = %+v, want call 0", m.Code[0].Code[4])
	}
}

func TestDecode_BadMagic(t *testing.T) {
	data := identityModule(t)
	data[0] = 0xFF
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted a bad magic number")
	}
}

func TestDecode_RejectsSecondMemory(t *testing.T) {
	data := identityModule(t)
	body := uleb(2) // memory count
	body = append(body, 0x00)
	body = append(body, uleb(1)...)
	body = append(body, 0x00)
	body = append(body, uleb(1)...)
	data = append(data, section(sectionMemory, body)...)
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode accepted a module with more than one memory")
	}
}
