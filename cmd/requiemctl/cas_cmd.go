package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Hardonian/Requiem/internal/cas"
)

func newCASCmd(ctx *cliContext) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "cas",
		Short: "Inspect and manipulate a tenant's content-addressed store",
	}
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "default", "tenant whose CAS root to use")

	store := func() (*cas.Store, error) {
		k, _, err := ctx.kernel()
		if err != nil {
			return nil, err
		}
		return k.Store(tenant)
	}

	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file's content and print its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			compress, _ := cmd.Flags().GetBool("zstd")
			enc := cas.EncodingOff
			if compress {
				enc = cas.EncodingZstd
			}
			digest, err := s.PutFile(args[0], enc)
			if err != nil {
				return err
			}
			fmt.Println(digest)
			return nil
		},
	}
	put.Flags().Bool("zstd", false, "store the payload zstd-encoded")

	get := &cobra.Command{
		Use:   "get <digest>",
		Short: "Print an object's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			data, err := s.Get(args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	contains := &cobra.Command{
		Use:   "contains <digest>",
		Short: "Report whether an object exists (no content verification)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			fmt.Println(s.Contains(args[0]))
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info <digest>",
		Short: "Print an object's sidecar metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			oi, err := s.Info(args[0])
			if err != nil {
				return err
			}
			return printJSON(oi)
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "List every digest in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			digests, err := s.ScanObjects()
			if err != nil {
				return err
			}
			for _, d := range digests {
				fmt.Println(d)
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Summarize the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			st, err := s.Status()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	gc := &cobra.Command{
		Use:   "gc",
		Short: "Remove stray temp files from interrupted writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			removed, err := s.GC()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d stray files\n", removed)
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify <digest>",
		Short: "Re-read an object and check its content digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}
			if err := s.Verify(args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	cmd.AddCommand(put, get, contains, info, scan, status, gc, verify)
	return cmd
}
