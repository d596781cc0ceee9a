package spirv

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/naalit/wasm-vk/internal/diag"
	"github.com/naalit/wasm-vk/ir"
	"github.com/naalit/wasm-vk/wasm"
)

// Backend assembles an in-memory SPIR-V module from a decoded wasm.Module
// and its lowered Base functions: one long-lived Backend holding the
// ModuleBuilder and every type/global/buffer/function cache, paired with a
// short-lived per-function context (funcCtx, emit.go) that tracks the loop
// stack and the heap's "has this path already established its offset"
// flag. Type and constant lookups go through lazy, memoized accessors.
type Backend struct {
	module *wasm.Module
	opts   Options
	b      *ModuleBuilder

	scalarTypes map[ir.Ty]uint32
	boolTypeID  uint32
	u32TypeID   uint32
	ptrTypes    map[ptrKey]uint32
	funcTypes   map[string]uint32
	constI32s   map[int32]uint32
	constU32s   map[uint32]uint32
	constF32s   map[float32]uint32

	glslExtID uint32

	uvec3TypeID uint32
	threadIDVar uint32

	globals map[uint32]globalEntry
	buffers map[bufKey]bufEntry
	imports map[uint32]importedFunc

	funcs map[uint32]*funcEntry

	hasHeap           bool
	heapArrayVar      uint32
	heapOffsetVar     uint32
	heapElemPtrTypeID uint32

	pendingOffsetVersions []uint32

	entryFuncID uint32
}

type ptrKey struct {
	sc   StorageClass
	base uint32
}

type globalKind int

const (
	globalThreadID globalKind = iota
	globalUser
)

type globalEntry struct {
	kind  globalKind
	ty    ir.Ty
	varID uint32
}

type bufKey struct{ set, binding uint32 }

type bufEntry struct {
	varID    uint32
	elemTy   ir.Ty
	elemID   uint32
	structID uint32
}

type importedFunc struct {
	get    bool
	elemTy ir.Ty
	buf    bufKey
}

type funcEntry struct {
	fun            *ir.Fun
	paramTypeIDs   []uint32
	retTypeID      uint32
	funcTypeID     uint32
	couldSetOffset bool

	mainID uint32

	offsetVersionID      uint32 // 0 = not requested
	offsetVersionQueued  bool
	offsetVersionEmitted bool
}

// Compile translates m (with funcs holding one lowered Base ir.Fun per
// defined function, parallel to m.Code) into a serialized SPIR-V module.
func Compile(m *wasm.Module, funcs []*ir.Fun, opts Options) ([]byte, error) {
	if !m.HasStart {
		return nil, diag.New(diag.KindStructuralInvariant, "module has no start function")
	}
	if len(funcs) != len(m.Code) {
		return nil, diag.New(diag.KindStructuralInvariant, "function count mismatch: %d lowered, %d decoded", len(funcs), len(m.Code))
	}
	be := newBackend(m, opts)
	if err := be.run(funcs); err != nil {
		return nil, err
	}
	return be.b.Build(), nil
}

func newBackend(m *wasm.Module, opts Options) *Backend {
	return &Backend{
		module:      m,
		opts:        opts,
		b:           NewModuleBuilder(opts.Version),
		scalarTypes: map[ir.Ty]uint32{},
		ptrTypes:    map[ptrKey]uint32{},
		funcTypes:   map[string]uint32{},
		constI32s:   map[int32]uint32{},
		constU32s:   map[uint32]uint32{},
		constF32s:   map[float32]uint32{},
		globals:     map[uint32]globalEntry{},
		buffers:     map[bufKey]bufEntry{},
		imports:     map[uint32]importedFunc{},
		funcs:       map[uint32]*funcEntry{},
	}
}

func (be *Backend) run(funcs []*ir.Fun) error {
	be.b.AddCapability(CapabilityShader)
	be.glslExtID = be.b.AddExtInstImport("GLSL.std.450")
	be.b.SetMemoryModel(AddressingModelLogical, MemoryModelGLSL450)

	if err := be.resolveImports(); err != nil {
		return err
	}
	if err := be.setupGlobals(); err != nil {
		return err
	}
	be.setupThreadID()
	if be.module.HasMemory {
		be.setupHeap()
	}

	for i, fn := range funcs {
		idx := uint32(be.module.NumImportedFuncs + i)
		if err := be.declareFunc(idx, fn); err != nil {
			return err
		}
	}

	for i := range funcs {
		idx := uint32(be.module.NumImportedFuncs + i)
		if err := be.emitFuncVersion(idx, false); err != nil {
			return err
		}
	}

	entry := be.funcs[be.module.Start]
	if entry == nil {
		return diag.New(diag.KindStructuralInvariant, "start function index %d is not a defined function", be.module.Start)
	}
	if entry.couldSetOffset {
		be.requestOffsetVersion(be.module.Start)
	}
	for len(be.pendingOffsetVersions) > 0 {
		idx := be.pendingOffsetVersions[0]
		be.pendingOffsetVersions = be.pendingOffsetVersions[1:]
		fe := be.funcs[idx]
		if fe.offsetVersionEmitted {
			continue
		}
		if err := be.emitFuncVersion(idx, true); err != nil {
			return err
		}
	}

	if entry.couldSetOffset {
		be.entryFuncID = entry.offsetVersionID
	} else {
		be.entryFuncID = entry.mainID
	}

	iface := []uint32{be.threadIDVar}
	be.b.AddEntryPoint(ExecutionModelGLCompute, be.entryFuncID, "main", iface)
	be.b.AddExecutionMode(be.entryFuncID, ExecutionModeLocalSize, be.opts.LocalSizeX, 1, 1)
	if be.opts.Debug {
		be.emitDebugNames()
	}
	return nil
}

// emitDebugNames attaches OpName debug info to the module's long-lived ids.
// Buffers are named in sorted (set, binding) order so the output stays a
// pure function of the input module regardless of map iteration.
func (be *Backend) emitDebugNames() {
	be.b.AddName(be.entryFuncID, "main")
	be.b.AddName(be.threadIDVar, "gl_GlobalInvocationID")
	if be.hasHeap {
		be.b.AddName(be.heapArrayVar, "heap")
		be.b.AddName(be.heapOffsetVar, "heap_offset")
	}
	keys := make([]bufKey, 0, len(be.buffers))
	for key := range be.buffers {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b bufKey) int {
		if a.set != b.set {
			return int(a.set) - int(b.set)
		}
		return int(a.binding) - int(b.binding)
	})
	for _, key := range keys {
		be.b.AddName(be.buffers[key].varID, fmt.Sprintf("buffer_%d_%d", key.set, key.binding))
	}
}

// declareFunc computes a function's type/signature once and reserves its
// main-version SPIR-V ID, so other functions' bodies can call it (by ID)
// before it has a body of its own (SPIR-V permits OpFunctionCall to
// forward-reference a function defined later in the module).
func (be *Backend) declareFunc(idx uint32, fn *ir.Fun) error {
	paramTypeIDs := make([]uint32, len(fn.Params))
	for i, ty := range fn.Params {
		paramTypeIDs[i] = be.typeID(ty)
	}
	retTypeID := be.voidType()
	if fn.Ty != nil {
		retTypeID = be.typeID(*fn.Ty)
	}
	funcTypeID := be.funcTypeID(retTypeID, paramTypeIDs)
	be.funcs[idx] = &funcEntry{
		fun:            fn,
		paramTypeIDs:   paramTypeIDs,
		retTypeID:      retTypeID,
		funcTypeID:     funcTypeID,
		couldSetOffset: couldSetOffset(fn.Body),
		mainID:         be.b.AllocID(),
	}
	return nil
}

func (be *Backend) requestOffsetVersion(idx uint32) uint32 {
	fe := be.funcs[idx]
	if fe.offsetVersionID == 0 {
		fe.offsetVersionID = be.b.AllocID()
	}
	if !fe.offsetVersionQueued && !fe.offsetVersionEmitted {
		fe.offsetVersionQueued = true
		be.pendingOffsetVersions = append(be.pendingOffsetVersions, idx)
	}
	return fe.offsetVersionID
}

func couldSetOffset(body ir.Node) bool {
	found := false
	ir.Walk(body, func(n ir.Node) {
		switch n.(type) {
		case ir.Load, ir.Store:
			found = true
		}
	})
	return found
}

// --- import / global / buffer / heap setup -------------------------------

func (be *Backend) resolveImports() error {
	funcOrdinal := 0
	globalOrdinal := 0
	for _, imp := range be.module.Imports {
		switch imp.Kind {
		case wasm.ImportFunc:
			idx := uint32(funcOrdinal)
			sig := be.module.Types[imp.FuncTypeIdx]
			kind, set, binding, elemTy, err := parseBufferImport(imp, sig)
			if err != nil {
				return err
			}
			be.getOrCreateBuffer(bufKey{set, binding}, elemTy)
			be.imports[idx] = importedFunc{get: kind == "load", elemTy: elemTy, buf: bufKey{set, binding}}
			funcOrdinal++
		case wasm.ImportGlobal:
			idx := uint32(globalOrdinal)
			if imp.Module == "spv" && imp.Field == "id" {
				be.globals[idx] = globalEntry{kind: globalThreadID, ty: ir.TyI32}
			} else {
				return diag.New(diag.KindUnsupportedImport, "unsupported global import %q.%q", imp.Module, imp.Field)
			}
			globalOrdinal++
		default:
			return diag.New(diag.KindUnsupportedImport, "unsupported import kind for %q.%q", imp.Module, imp.Field)
		}
	}
	return nil
}

func parseBufferImport(imp wasm.Import, sig wasm.FuncType) (kind string, set, binding uint32, elemTy ir.Ty, err error) {
	if imp.Module != "spv" {
		return "", 0, 0, 0, diag.New(diag.KindUnsupportedImport, "unsupported import module %q", imp.Module)
	}
	parts := strings.Split(imp.Field, ":")
	if len(parts) != 4 || parts[0] != "buffer" {
		return "", 0, 0, 0, diag.New(diag.KindUnsupportedImport, "unsupported spv import %q", imp.Field)
	}
	setV, e1 := strconv.ParseUint(parts[1], 10, 32)
	bindV, e2 := strconv.ParseUint(parts[2], 10, 32)
	if e1 != nil || e2 != nil {
		return "", 0, 0, 0, diag.New(diag.KindUnsupportedImport, "malformed buffer import %q", imp.Field)
	}
	switch parts[3] {
	case "load":
		if len(sig.Params) != 1 || len(sig.Results) != 1 {
			return "", 0, 0, 0, diag.New(diag.KindUnsupportedImport, "buffer load import %q has the wrong signature", imp.Field)
		}
		ty, err := wasmValToTy(sig.Results[0])
		return "load", uint32(setV), uint32(bindV), ty, err
	case "store":
		if len(sig.Params) != 2 || len(sig.Results) != 0 {
			return "", 0, 0, 0, diag.New(diag.KindUnsupportedImport, "buffer store import %q has the wrong signature", imp.Field)
		}
		ty, err := wasmValToTy(sig.Params[1])
		return "store", uint32(setV), uint32(bindV), ty, err
	default:
		return "", 0, 0, 0, diag.New(diag.KindUnsupportedImport, "unsupported spv buffer operation %q", imp.Field)
	}
}

func wasmValToTy(v wasm.ValType) (ir.Ty, error) {
	switch v {
	case wasm.I32:
		return ir.TyI32, nil
	case wasm.F32:
		return ir.TyF32, nil
	default:
		return 0, diag.New(diag.KindUnsupportedImport, "buffer element type %s is unsupported", v)
	}
}

func (be *Backend) getOrCreateBuffer(key bufKey, elemTy ir.Ty) bufEntry {
	if e, ok := be.buffers[key]; ok {
		return e
	}
	elemID := be.typeID(elemTy)
	runtimeArrID := be.b.AddTypeRuntimeArray(elemID)
	be.b.AddDecorate(runtimeArrID, DecorationArrayStride, 4)
	structID := be.b.AddTypeStruct(runtimeArrID)
	be.b.AddDecorate(structID, DecorationBufferBlock)
	be.b.AddMemberDecorate(structID, 0, DecorationOffset, 0)
	ptrTy := be.ptrTypeRaw(StorageClassUniform, structID)
	varID := be.b.AddVariable(ptrTy, StorageClassUniform)
	be.b.AddDecorate(varID, DecorationDescriptorSet, key.set)
	be.b.AddDecorate(varID, DecorationBinding, key.binding)
	e := bufEntry{varID: varID, elemTy: elemTy, elemID: elemID, structID: structID}
	be.buffers[key] = e
	return e
}

func (be *Backend) setupGlobals() error {
	for i, g := range be.module.Globals {
		idx := uint32(be.module.NumImportedGlobals + i)
		ty, err := wasmValToTy(g.Type.Type)
		if err != nil || ty != ir.TyI32 {
			return diag.New(diag.KindUnsupportedImport, "module global %d has unsupported type", idx)
		}
		ptrTy := be.ptrTypeRaw(StorageClassPrivate, be.typeID(ty))
		initID := be.constI32(g.Init)
		varID := be.b.AddVariableWithInit(ptrTy, StorageClassPrivate, initID)
		be.globals[idx] = globalEntry{kind: globalUser, ty: ty, varID: varID}
	}
	return nil
}

// setupThreadID declares the gl_GlobalInvocationID builtin; every function
// body loads its x-component at the top into thread_id.
func (be *Backend) setupThreadID() {
	be.uvec3TypeID = be.b.AddTypeVector(be.uintType(), 3)
	ptrTy := be.ptrTypeRaw(StorageClassInput, be.uvec3TypeID)
	be.threadIDVar = be.b.AddVariable(ptrTy, StorageClassInput)
	be.b.AddDecorate(be.threadIDVar, DecorationBuiltIn, uint32(BuiltInGlobalInvocationID))
}

// setupHeap allocates the simulated 128-byte Private heap array and its
// heap_offset variable. If the module carries a data segment, its bytes are
// centered in the array and heap_offset is initialized so the segment's own
// declared address maps to that center.
func (be *Backend) setupHeap() {
	be.hasHeap = true
	i32 := be.typeID(ir.TyI32)
	lengthConst := be.constU32(32)
	arrType := be.b.AddTypeArray(i32, lengthConst)
	arrPtrType := be.ptrTypeRaw(StorageClassPrivate, arrType)
	be.heapElemPtrTypeID = be.ptrTypeRaw(StorageClassPrivate, i32)

	words := make([]int32, 32)
	offsetInit := int32(0)
	if be.module.Data != nil {
		data := be.module.Data
		startByte := 64 - len(data.Bytes)/2
		if startByte < 0 {
			startByte = 0
		}
		startByte -= startByte % 4
		offsetInit = data.Offset - int32(startByte)
		for i := 0; i < len(data.Bytes); i += 4 {
			var w uint32
			for j := 0; j < 4 && i+j < len(data.Bytes); j++ {
				w |= uint32(data.Bytes[i+j]) << (8 * uint(j))
			}
			wordIdx := (startByte + i) / 4
			if wordIdx >= 0 && wordIdx < 32 {
				words[wordIdx] = int32(w)
			}
		}
	}
	wordConstIDs := make([]uint32, 32)
	for i, w := range words {
		wordConstIDs[i] = be.constI32(w)
	}
	arrInit := be.b.AddConstantComposite(arrType, wordConstIDs...)
	be.heapArrayVar = be.b.AddVariableWithInit(arrPtrType, StorageClassPrivate, arrInit)

	offsetInitID := be.constI32(offsetInit)
	be.heapOffsetVar = be.b.AddVariableWithInit(be.ptrTypeRaw(StorageClassPrivate, i32), StorageClassPrivate, offsetInitID)
}

// --- type / constant caches ------------------------------------------------

func (be *Backend) typeID(ty ir.Ty) uint32 {
	if id, ok := be.scalarTypes[ty]; ok {
		return id
	}
	var id uint32
	switch ty {
	case ir.TyI32:
		id = be.b.AddTypeInt(32, true)
	case ir.TyI64:
		id = be.b.AddTypeInt(64, true)
	case ir.TyF32:
		id = be.b.AddTypeFloat(32)
	case ir.TyF64:
		id = be.b.AddTypeFloat(64)
	default:
		panic(fmt.Sprintf("spirv: unknown ir.Ty %v", ty))
	}
	be.scalarTypes[ty] = id
	return id
}

func (be *Backend) voidType() uint32 {
	if be.scalarTypes == nil {
		be.scalarTypes = map[ir.Ty]uint32{}
	}
	const voidKey ir.Ty = -1
	if id, ok := be.scalarTypes[voidKey]; ok {
		return id
	}
	id := be.b.AddTypeVoid()
	be.scalarTypes[voidKey] = id
	return id
}

func (be *Backend) boolType() uint32 {
	if be.boolTypeID == 0 {
		be.boolTypeID = be.b.AddTypeBool()
	}
	return be.boolTypeID
}

func (be *Backend) uintType() uint32 {
	if be.u32TypeID == 0 {
		be.u32TypeID = be.b.AddTypeInt(32, false)
	}
	return be.u32TypeID
}

func (be *Backend) ptrTypeRaw(sc StorageClass, base uint32) uint32 {
	key := ptrKey{sc: sc, base: base}
	if id, ok := be.ptrTypes[key]; ok {
		return id
	}
	id := be.b.AddTypePointer(sc, base)
	be.ptrTypes[key] = id
	return id
}

func (be *Backend) ptrType(ty ir.Ty, sc StorageClass) uint32 {
	return be.ptrTypeRaw(sc, be.typeID(ty))
}

func (be *Backend) funcTypeID(retTypeID uint32, paramTypeIDs []uint32) uint32 {
	var key strings.Builder
	fmt.Fprintf(&key, "%d", retTypeID)
	for _, p := range paramTypeIDs {
		fmt.Fprintf(&key, ":%d", p)
	}
	if id, ok := be.funcTypes[key.String()]; ok {
		return id
	}
	id := be.b.AddTypeFunction(retTypeID, paramTypeIDs...)
	be.funcTypes[key.String()] = id
	return id
}

func (be *Backend) constI32(v int32) uint32 {
	if id, ok := be.constI32s[v]; ok {
		return id
	}
	id := be.b.AddConstant(be.typeID(ir.TyI32), uint32(v))
	be.constI32s[v] = id
	return id
}

func (be *Backend) constU32(v uint32) uint32 {
	if id, ok := be.constU32s[v]; ok {
		return id
	}
	id := be.b.AddConstant(be.uintType(), v)
	be.constU32s[v] = id
	return id
}

func (be *Backend) constF32(v float32) uint32 {
	if id, ok := be.constF32s[v]; ok {
		return id
	}
	id := be.b.AddConstantFloat32(be.typeID(ir.TyF32), v)
	be.constF32s[v] = id
	return id
}
