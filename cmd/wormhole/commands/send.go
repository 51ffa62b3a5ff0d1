package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"wormhole/internal/app"
)

var (
	sendCode string
	sendText string
)

// send [FILE]: offer a text message or a file through a new wormhole.
func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "send [FILE]",
		Aliases: []string{"tx"},
		Short:   "Send a text message or file",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			stderr := cmd.ErrOrStderr()
			req := app.SendRequest{
				Code:    sendCode,
				Confirm: p.confirmVerifier,
				OnCode: func(c string) {
					_, _ = fmt.Fprintf(stderr, "Wormhole code is: %s\n", c)
					_, _ = fmt.Fprintf(stderr, "On the other computer, please run:\n\n")
					_, _ = fmt.Fprintf(stderr, "wormhole receive %s\n\n", c)
				},
			}

			haveText := cmd.Flags().Changed("text")
			switch {
			case len(args) == 1 && haveText:
				return errors.New("give either --text or a file, not both")

			case len(args) == 1:
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				fi, err := f.Stat()
				if err != nil {
					return err
				}
				if !fi.Mode().IsRegular() {
					return fmt.Errorf("'%s' is not a regular file", args[0])
				}
				req.File, req.FileName, req.FileSize = f, fi.Name(), fi.Size()
				_, _ = fmt.Fprintf(stderr, "Sending %s file named '%s'\n", humanSize(fi.Size()), fi.Name())

			case haveText && sendText == "-":
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.Text = string(b)

			case haveText:
				req.Text = sendText

			default:
				text, err := p.ask("Text to send: ")
				if err != nil {
					return err
				}
				req.Text = text
			}
			if req.File == nil {
				_, _ = fmt.Fprintf(stderr, "Sending text message (%s)\n", humanSize(int64(len(req.Text))))
			}

			if err := appCtx.Send(cmd.Context(), req); err != nil {
				return err
			}
			if req.File != nil {
				_, _ = fmt.Fprintln(stderr, "Transfer complete.")
			} else {
				_, _ = fmt.Fprintln(stderr, "text message sent")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sendCode, "code", "", "human-generated code phrase")
	cmd.Flags().StringVar(&sendText, "text", "", "text message to send, instead of a file. Use '-' to read from stdin")
	return cmd
}
