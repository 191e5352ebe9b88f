package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peerhost/services/artifacts"
)

func newManifestCommand(_ *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Signed installer manifest operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newManifestSignCommand())
	cmd.AddCommand(newManifestVerifyCommand())
	return cmd
}

func newManifestSignCommand() *cobra.Command {
	var (
		installer string
		url       string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Hash an installer and write a manifest signed with AGE_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := artifacts.NewSignerFromEnv()
			if err != nil {
				return err
			}
			m, err := artifacts.NewManifest(installer, url, signer, time.Now())
			if err != nil {
				return err
			}
			if err := artifacts.WriteManifest(output, m); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (sha256 %s, %d bytes)\n",
				output, m.Installer.SHA256, m.Installer.Size)
			return err
		},
	}

	cmd.Flags().StringVar(&installer, "installer", "", "Installer file to describe")
	cmd.Flags().StringVar(&url, "url", "", "Download URL recorded in the manifest")
	cmd.Flags().StringVar(&output, "output", "", "Manifest file to write (YAML)")
	_ = cmd.MarkFlagRequired("installer")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newManifestVerifyCommand() *cobra.Command {
	var (
		manifestPath string
		installer    string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check an installer against a signed manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := artifacts.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			signer, err := artifacts.NewSignerFromEnv()
			if err != nil {
				return err
			}
			v := artifacts.Verification{Manifest: m, Signer: signer}
			if err := v.Verify(installer); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s\n", installer, manifestPath)
			return err
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Signed manifest (YAML)")
	cmd.Flags().StringVar(&installer, "installer", "", "Installer file to check")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("installer")
	return cmd
}
