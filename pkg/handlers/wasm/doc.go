// Package wasm runs resource handlers compiled to WebAssembly.
//
// A handler module exports its linear memory and three functions:
//
//	malloc(size i32) i32
//	free(ptr i32)
//	handle(ptr i32, len i32) i64
//
// The host writes an Invocation as JSON into memory obtained from malloc and
// calls handle. handle returns the location of its Result JSON packed as
// (ptr << 32) | len; the host frees it after reading.
//
// Modules may import env.log(level i32, ptr i32, len i32) to write to the
// invocation log. Levels are 0 debug, 1 info, 2 warn and 3 error. WASI
// preview 1 is available, and reactor modules have _initialize run on
// instantiation.
//
// Every cycle runs in a fresh module instance that is closed when the cycle
// timeout or the host budget runs out.
package wasm
