package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"ms-counters/internal/kafka"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

func newFeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Inspect the Kafka change feed",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print change messages as they arrive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log := loadConfig()
			defer log.Close()

			group, _ := cmd.Flags().GetString("group")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, group, log)
			defer consumer.Close()

			out := cmd.OutOrStdout()
			return consumer.Run(ctx, func(msg segkafka.Message, change kafka.ChangeMessage) {
				fmt.Fprintf(out, "%s key=%s id=%s %s %s\n",
					change.EmittedAt.Format("15:04:05.000"),
					msg.Key,
					kafka.Header(msg, kafka.HeaderMessageID),
					change.Type,
					change.Payload)
			})
		},
	}
	tail.Flags().String("group", "counter-feed-tail", "Kafka consumer group")

	cmd.AddCommand(tail)
	return cmd
}
