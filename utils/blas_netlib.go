//go:build netlib

package utils

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Routing gonum through a system BLAS roughly halves large matmul time.
// Built only with -tags netlib since it needs a C toolchain and an
// installed OpenBLAS.
func init() {
	blas64.Use(netlib.Implementation{})
}
