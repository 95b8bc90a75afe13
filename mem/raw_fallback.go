//go:build !unix

package mem

// PageAlloc falls back to the Go heap on platforms without anonymous
// mappings.
func PageAlloc(numBytes int) []byte { return HeapAlloc(numBytes) }

// PageFree matches the fallback PageAlloc.
func PageFree(buf []byte) { HeapFree(buf) }
