package main

import (
	"net/http"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/peer"
)

var serveFlags struct {
	Stdio  bool
	Listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the repository to remote clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		if serveFlags.Stdio {
			return peer.ServeStdio(cmd.Context(), r)
		}
		if serveFlags.Listen == "" {
			return errors.New("either --stdio or --listen is required")
		}
		handler := peer.HTTPHandler(peer.NewServer(r))
		logrus.WithField("addr", serveFlags.Listen).Info("serving over http")
		return http.ListenAndServe(serveFlags.Listen, handler)
	},
}

func init() {
	serveCmd.Flags().BoolVar(
		&serveFlags.Stdio, "stdio", false,
		"answer the wire protocol on stdin/stdout (used by ssh clients)",
	)
	serveCmd.Flags().StringVar(
		&serveFlags.Listen, "listen", "",
		"address to serve HTTP on, e.g. :8000",
	)
}
