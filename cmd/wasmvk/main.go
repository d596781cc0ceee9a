// Command wasmvk compiles a WASM compute module into a SPIR-V compute
// shader.
//
// Usage:
//
//	wasmvk [flags] <input.wasm> [output.spv]
//
// Examples:
//
//	wasmvk shader.wasm                        # write shader.spv
//	wasmvk shader.wasm out.spv                 # explicit output path
//	wasmvk -o out.spv shader.wasm              # same, via flag
//	wasmvk -v --local-size-x=32 shader.wasm    # verbose, custom workgroup
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/naalit/wasm-vk"
	"github.com/naalit/wasm-vk/internal/diag"
	"github.com/naalit/wasm-vk/spirv"
	"github.com/naalit/wasm-vk/wasm"
)

var (
	outputFlag string
	verbose    bool
	localSizeX uint32
)

var rootCmd = &cobra.Command{
	Use:   "wasmvk <input.wasm> [output.spv]",
	Short: "Compile a WASM compute module into a SPIR-V compute shader",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := args[0]
		output := outputFlag
		if output == "" {
			if len(args) == 2 {
				output = args[1]
			} else {
				output = defaultOutputName(input)
			}
		}
		return run(input, output)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "output file (default: input name with .spv extension)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log the decoded module's shape and lowered-function count and print the SPIR-V disassembly (IR trees are not printed)")
	rootCmd.Flags().Uint32Var(&localSizeX, "local-size-x", 64, "workgroup X-axis invocation count")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultOutputName(input string) string {
	base := input
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base + ".spv"
}

func run(input, output string) error {
	log := diag.NewLogger(verbose)
	defer log.Sync()

	source, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("reading %s: %w", input, err)
	}

	opts := spirv.DefaultOptions()
	opts.LocalSizeX = localSizeX
	opts.Debug = verbose

	result, err := wasmvk.Compile(source, opts, log)
	if err != nil {
		if ce, ok := err.(*diag.CompileError); ok {
			log.Error(ce)
		}
		return err
	}

	if verbose {
		dumpVerbose(log, result)
	}

	if err := os.WriteFile(output, result.SPIRV, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}

	fmt.Printf("Compiled %s to %s (%d bytes)\n", input, output, len(result.SPIRV))
	return nil
}

// dumpVerbose logs the decoded module's shape and the disassembled SPIR-V
// output for inspection.
func dumpVerbose(log *diag.Logger, result *wasmvk.CompileResult) {
	log.Info("decoded module",
		zap.Int("functions", len(result.Module.Code)),
		zap.Int("imports", len(result.Module.Imports)),
		zap.Int("globals", len(result.Module.Globals)),
		zap.Strings("imports (sorted)", sortedImportNames(result.Module.Imports)))

	log.Info("lowered functions", zap.Int("count", len(result.Base)))

	disasm, err := spirv.Disassemble(result.SPIRV)
	if err != nil {
		log.Info("disassembly failed", zap.Error(err))
		return
	}
	fmt.Fprintln(os.Stderr, "--- SPIR-V disassembly ---")
	fmt.Fprintln(os.Stderr, disasm)
}

// sortedImportNames renders every import as "module.field", in a
// deterministic order independent of the import section's on-disk layout
// — the disassembly and error messages of a WASM toolchain should not
// shuffle around just because the producer emitted imports in a different
// sequence.
func sortedImportNames(imports []wasm.Import) []string {
	names := make([]string, len(imports))
	for i, imp := range imports {
		names[i] = imp.Module + "." + imp.Field
	}
	slices.Sort(names)
	return names
}
