// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/hitlgate/pkg/hitl"
	"github.com/dukex/hitlgate/pkg/registry"
)

// NewRegistry registers the gate workflows every process must be able to resolve.
func NewRegistry(logger *slog.Logger, protocol *hitl.Protocol) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	err := protocol.Register(reg)
	if err != nil {
		return nil, err
	}

	return reg, nil
}
