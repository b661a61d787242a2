package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRootCmdRejectsNoGuests(t *testing.T) {
	cmd := newRootCmd()
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return nil }
	cmd.SetArgs([]string{"--memory", "64"})
	err := cmd.Execute()
	require.Error(t, err)
}

func TestRootCmdParsesRepeatedGuestAndFileFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return nil }
	cmd.SetArgs([]string{
		"--guest", "a.bin", "--guest", "b.bin",
		"--file", "shared1.txt", "--file", "shared2.txt",
		"--page", "4",
	})
	require.NoError(t, cmd.Execute())

	guests, err := cmd.Flags().GetStringArray("guest")
	require.NoError(t, err)
	require.Equal(t, []string{"a.bin", "b.bin"}, guests)

	files, err := cmd.Flags().GetStringArray("file")
	require.NoError(t, err)
	require.Equal(t, []string{"shared1.txt", "shared2.txt"}, files)

	page, err := cmd.Flags().GetInt("page")
	require.NoError(t, err)
	require.Equal(t, 4, page)
}
