package spirv

import (
	"encoding/binary"
	"testing"
)

// TestModuleBuilder_DeterministicOutput checks that the serializer is a
// pure function of the assembled module.
func TestModuleBuilder_DeterministicOutput(t *testing.T) {
	build := func() []byte {
		b := NewModuleBuilder(Version1_0)
		b.AddCapability(CapabilityShader)
		b.SetMemoryModel(AddressingModelLogical, MemoryModelGLSL450)
		voidTy := b.AddTypeVoid()
		fnTy := b.AddTypeFunction(voidTy)
		fn := b.AddFunction(fnTy, voidTy, FunctionControlNone)
		b.AddLabel()
		b.AddReturn()
		b.AddFunctionEnd()
		b.AddEntryPoint(ExecutionModelGLCompute, fn, "main", nil)
		return b.Build()
	}

	a := build()
	c := build()
	if len(a) != len(c) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(c))
	}
	for i := range a {
		if a[i] != c[i] {
			t.Fatalf("byte %d differs: %x vs %x", i, a[i], c[i])
		}
	}
}

func TestModuleBuilder_HeaderLayout(t *testing.T) {
	b := NewModuleBuilder(Version1_0)
	b.SetMemoryModel(AddressingModelLogical, MemoryModelGLSL450)
	data := b.Build()
	if len(data) < 20 {
		t.Fatalf("output shorter than a SPIR-V header: %d bytes", len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != 0x07230203 {
		t.Errorf("magic = 0x%08X, want 0x07230203", magic)
	}
	bound := binary.LittleEndian.Uint32(data[12:16])
	if bound == 0 {
		t.Errorf("bound = 0, want a nonzero id bound")
	}
}

func TestAllocID_Monotonic(t *testing.T) {
	b := NewModuleBuilder(Version1_0)
	first := b.AllocID()
	second := b.AllocID()
	if second != first+1 {
		t.Errorf("AllocID: got %d then %d, want consecutive ids", first, second)
	}
}
