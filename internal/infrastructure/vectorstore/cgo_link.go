//go:build lancedb

package vectorstore

// CGO linker directives for the LanceDB native library. Builds with the
// lancedb tag expect the pre-built shared library under lib/<goos>_<goarch>
// and the C headers under include/ at the module root.

// #cgo linux,amd64 LDFLAGS: -L${SRCDIR}/../../../lib/linux_amd64 -llancedb_go -Wl,-rpath,${SRCDIR}/../../../lib/linux_amd64
// #cgo linux,amd64 CFLAGS: -I${SRCDIR}/../../../include
// #cgo darwin,arm64 LDFLAGS: -L${SRCDIR}/../../../lib/darwin_arm64 -llancedb_go -Wl,-rpath,${SRCDIR}/../../../lib/darwin_arm64
import "C"
