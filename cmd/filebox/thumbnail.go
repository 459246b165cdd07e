package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eteran/filebox/internal/thumbnail"
)

// newThumbnailCmd regenerates the thumbnail for one stored upload, outside of
// the trigger path.
func newThumbnailCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thumbnail <key>",
		Short: "Generate the thumbnail for an existing upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := args[0]

			cfg, err := opts.load()
			if err != nil {
				return err
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			pipeline, err := newPipeline(st, cfg, nil)
			if err != nil {
				return err
			}

			if !thumbnail.IsImage(key) {
				return fmt.Errorf("%s is not a supported image type", key)
			}

			rc, _, err := st.GetObject(ctx, cfg.UploadContainer, key)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", key, err)
			}
			defer rc.Close()

			res, err := pipeline.Process(ctx, key, rc)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %dx%d (%d bytes)\n",
				cfg.ThumbnailContainer, res.ThumbnailKey, res.Size.X, res.Size.Y, res.Bytes)
			return nil
		},
	}
}
