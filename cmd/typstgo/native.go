//go:build typst_native && cgo

package main

import "github.com/goodguyjay/typstgo/boundary"

func init() {
	newNativeEngine = func() boundary.Engine { return boundary.NewNativeEngine() }
}
