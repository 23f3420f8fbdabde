package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/controller"
	"github.com/invisible-tech/sentinel/internal/ingest"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/pkg/client"
)

var (
	tailFromStart bool
	tailPoll      bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <access-log>",
	Short: "Observe an access log without serving the API",
	Long: `Follow a Common or Combined Log Format access log and run each request
through the pipeline in this process, or ship it to a running server with
--server.

  sentinel tail /var/log/nginx/access.log --from-start
  sentinel tail /var/log/nginx/access.log --server http://sentinel:8080`,
	Args: cobra.ExactArgs(1),
	RunE: tailCommand,
}

func init() {
	tailCmd.Flags().BoolVar(&tailFromStart, "from-start", false, "Read existing lines instead of only new ones")
	tailCmd.Flags().BoolVar(&tailPoll, "poll", true, "Poll for changes instead of using inotify")
	rootCmd.AddCommand(tailCmd)
}

func tailCommand(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink ingest.Sink
	var finish func()
	if serverURL != "" {
		cl, err := client.New(client.Config{ServerURL: serverURL}, log)
		if err != nil {
			return err
		}
		go cl.Start(ctx)
		sink = func(obs observer.RequestObservation) {
			cl.ObserveRequest(client.RequestObservation(obs))
		}
		finish = func() {
			sent, dropped := cl.GetStats()
			log.WithFields(logrus.Fields{"sent": sent, "dropped": dropped}).Info("Observations shipped")
		}
	} else {
		cfg := config.DefaultSentinelConfig()
		ctrl := controller.New(cfg, log)
		ctrl.Start(ctx)
		sink = func(obs observer.RequestObservation) {
			ctrl.ObserveRequest(obs)
		}
		finish = func() {
			ctrl.Drain()
			s := ctrl.Stats()
			log.WithFields(logrus.Fields{
				"events":        s.Observer.TotalEvents,
				"assessments":   s.Analyzer.TotalAssessments,
				"responses":     s.Responder.TotalResponses,
				"blocked_ips":   s.Responder.BlockedIPs,
				"blocked_users": s.Responder.BlockedUsers,
			}).Info("Pipeline summary")
		}
	}

	tl := ingest.New(ingest.Config{Path: args[0], Poll: tailPoll, FromStart: tailFromStart}, log)
	go func() {
		waitForSignal()
		cancel()
	}()

	err = tl.Run(ctx, sink)
	lines, skipped := tl.Stats()
	log.WithFields(logrus.Fields{"lines": lines, "skipped": skipped}).Info("Tailer stopped")
	finish()
	return err
}
