package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"wormhole/internal/app"
)

var (
	onlyText   bool
	acceptFile bool
	outputFile string
)

// receive [CODE]: take whatever the sender offers.
func receiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "receive [CODE]",
		Aliases: []string{"rx"},
		Short:   "Receive a text message or file (from 'wormhole send')",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("pass either no code or just one code; you passed %d: %s",
					len(args), strings.Join(args, ", "))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)

			var c string
			if len(args) == 1 {
				c = args[0]
			} else {
				var err error
				if c, err = p.ask("Enter receive wormhole code: "); err != nil {
					return err
				}
			}

			var target string
			req := app.ReceiveRequest{Code: c, Confirm: p.confirmVerifier}
			if !onlyText {
				req.AcceptFile = func(name string, size int64) (io.WriteCloser, error) {
					path, err := targetPath(name)
					if err != nil {
						return nil, err
					}
					if !acceptFile {
						ans, err := p.ask(fmt.Sprintf("Receiving file (%s) into: %s\nok? (y/N): ", humanSize(size), path))
						if err != nil {
							return nil, err
						}
						if !strings.EqualFold(ans, "y") && !strings.EqualFold(ans, "yes") {
							return nil, errors.New("transfer rejected")
						}
					}
					f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
					if err != nil {
						return nil, err
					}
					target = path
					return f, nil
				}
			}

			got, err := appCtx.Receive(cmd.Context(), req)
			if err != nil {
				if target != "" {
					_ = os.Remove(target)
				}
				return err
			}
			if got.FileName != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Received file written to %s\n", target)
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), got.Text)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&onlyText, "only-text", "t", false, "refuse file transfers, only accept text transfers")
	cmd.Flags().BoolVar(&acceptFile, "accept-file", false, "accept file transfer without asking for confirmation")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "the file or directory to create, overriding the name suggested by the sender")
	return cmd
}

// targetPath picks where an offered file named name is written. Existing
// files are never overwritten.
func targetPath(name string) (string, error) {
	path := name
	if outputFile != "" {
		path = outputFile
		if fi, err := os.Stat(outputFile); err == nil && fi.IsDir() {
			path = filepath.Join(outputFile, name)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("refusing to overwrite existing '%s'", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return path, nil
}
