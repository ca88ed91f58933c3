package wasm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

const (
	exportMemory = "memory"
	exportMalloc = "malloc"
	exportFree   = "free"
	exportHandle = "handle"
)

// bridge passes JSON in and out of a module instance's linear memory.
type bridge struct {
	memory api.Memory
	malloc api.Function
	free   api.Function
	handle api.Function
}

func newBridge(mod api.Module) (*bridge, error) {
	b := &bridge{
		memory: mod.Memory(),
		malloc: mod.ExportedFunction(exportMalloc),
		free:   mod.ExportedFunction(exportFree),
		handle: mod.ExportedFunction(exportHandle),
	}
	if b.memory == nil || b.malloc == nil || b.free == nil || b.handle == nil {
		return nil, fmt.Errorf("module does not export the handler ABI")
	}
	return b, nil
}

// call writes input into module memory, calls handle and returns a copy of its output.
func (b *bridge) call(ctx context.Context, input []byte) ([]byte, error) {
	size := uint32(len(input))
	ptr, err := b.allocate(ctx, size)
	if err != nil {
		return nil, err
	}
	defer b.deallocate(ctx, ptr)

	if !b.memory.Write(ptr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err := b.handle.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", exportHandle, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", exportHandle)
	}

	outPtr, outLen := unpack(results[0])
	if outLen == 0 {
		return nil, fmt.Errorf("%s returned an empty result", exportHandle)
	}
	view, ok := b.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("result [%d, %d) is out of WASM memory", outPtr, outPtr+outLen)
	}
	// the view is invalidated once the instance frees or closes
	output := bytes.Clone(view)

	if outPtr != ptr {
		b.deallocate(ctx, outPtr)
	}
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

// deallocate frees ptr. Failures are ignored since the instance is discarded after the cycle.
func (b *bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

// unpack splits a handle result into pointer (high 32 bits) and length.
func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
