package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the streamd client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "streamd",
		Short: "streamd client commands",
	}
	root.AddCommand(NewStreamCommand(baseURL))
	return root
}
