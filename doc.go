// Package main provides the il2patch CLI tool for patching native libraries in APK files.
//
// For the library API, see the il2patch subpackage:
//
//	import "github.com/aluedeke/go-il2patch/pkg/il2patch"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-il2patch@latest
package main
