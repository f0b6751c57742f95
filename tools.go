//go:build tools

// Package tools pins the linter version in go.mod so CI and local runs agree.
// Install with: go install github.com/golangci/golangci-lint/cmd/golangci-lint
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
