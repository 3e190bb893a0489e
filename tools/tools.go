//go:build tools

// Package tools pins the lint and audit binaries used by CI. Install them with
// `go install` from this directory so versions follow tools/go.mod.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "mvdan.cc/gofumpt"
)
