package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/webaudit/auditwatch/internal/logging"
	"github.com/webaudit/auditwatch/internal/submit"
)

func newSubmitCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Start a new audit job for a URL.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			client := submit.New(submit.Config{
				BaseURL:    e.cfg.Service.BaseURL,
				HTTPClient: &http.Client{Timeout: e.cfg.ServiceTimeout()},
				Logger:     logging.Component(e.logger, "submit"),
			})
			jobID, err := client.Submit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)

			if watch {
				return watchJob(cmd, e, jobID, args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the job until it finishes")
	return cmd
}
