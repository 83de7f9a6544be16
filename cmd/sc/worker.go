package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ciprian167/siliconcompiler/graph/remote"
)

var (
	workerQueues []string
	workerLease  time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run nodes queued by the redis scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		queues := workerQueues
		if len(queues) == 0 {
			queues = []string{cfg.Redis.Queue}
		}
		client := newRedisClient(cfg)
		defer func() { _ = client.Close() }()
		if err := client.Ping(cmd.Context()).Err(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		w := remote.NewWorker(client, remote.RedisConfig{Lease: workerLease}, logger, queues...)
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerQueues, "queue", nil, "Queues to serve (default: SC_REDIS_QUEUE)")
	workerCmd.Flags().DurationVar(&workerLease, "lease", 30*time.Second, "Heartbeat lease; must match the scheduler")
}
