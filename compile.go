// Package wasmvk translates a WASM compute module into a SPIR-V compute
// shader: decode (wasm) -> Direct tree -> Base tree (ir) -> SPIR-V module
// (spirv). Compile is the single entry point gluing the four stages.
package wasmvk

import (
	"github.com/naalit/wasm-vk/internal/diag"
	"github.com/naalit/wasm-vk/ir"
	"github.com/naalit/wasm-vk/spirv"
	"github.com/naalit/wasm-vk/wasm"
)

// CompileResult carries the compiled shader plus the intermediate values
// -v/--verbose wants to dump.
type CompileResult struct {
	Module *wasm.Module
	Direct []*ir.Fun
	Base   []*ir.Fun
	SPIRV  []byte
}

// Compile runs the full pipeline over a raw WASM binary. log may be nil.
func Compile(source []byte, opts spirv.Options, log *diag.Logger) (*CompileResult, error) {
	if log == nil {
		log = diag.NewLogger(false)
	}

	log.Stage("decode")
	module, err := wasm.Decode(source)
	if err != nil {
		return nil, err
	}

	direct := make([]*ir.Fun, len(module.Code))
	base := make([]*ir.Fun, len(module.Code))
	for i, body := range module.Code {
		combinedIdx := uint32(module.NumImportedFuncs + i)
		sig := module.FuncType(combinedIdx)

		log.Stage("build direct")
		fn, alloc, err := ir.BuildDirect(i, body, sig, module)
		if err != nil {
			return nil, err
		}
		direct[i] = fn

		log.Stage("lower")
		baseFn, err := ir.Lower(fn, alloc)
		if err != nil {
			return nil, err
		}
		base[i] = baseFn
	}

	log.Stage("emit spirv")
	spv, err := spirv.Compile(module, base, opts)
	if err != nil {
		return nil, err
	}

	return &CompileResult{Module: module, Direct: direct, Base: base, SPIRV: spv}, nil
}
