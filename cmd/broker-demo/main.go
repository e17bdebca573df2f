// Command broker-demo drives a handful of simulated publishers and
// subscribers against an in-process Broker, a demo simulator written
// as a cobra CLI with one subcommand per scenario.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/pixybroker/internal/broker"
	pixylog "github.com/sawpanic/pixybroker/internal/log"
)

func main() {
	if err := execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context) error {
	root := &cobra.Command{Use: "broker-demo", Short: "simulate publishers and subscribers against an in-process broker"}
	root.AddCommand(runCmd(ctx))
	return root.ExecuteContext(ctx)
}

func runCmd(ctx context.Context) *cobra.Command {
	var (
		topics      int
		subscribers int
		publishers  int
		messages    int
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "publish and consume simulated traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(cmd.Context(), topics, subscribers, publishers, messages, interval)
		},
	}
	cmd.Flags().IntVar(&topics, "topics", 3, "number of topics to create")
	cmd.Flags().IntVar(&subscribers, "subscribers", 5, "number of subscribers per topic")
	cmd.Flags().IntVar(&publishers, "publishers", 2, "number of publishers per topic (each publishes in turn)")
	cmd.Flags().IntVar(&messages, "messages", 50, "messages each publisher sends")
	cmd.Flags().DurationVar(&interval, "interval", 50*time.Millisecond, "delay between publishes")
	return cmd
}

func simulate(ctx context.Context, topicCount, subCount, pubCount, msgCount int, interval time.Duration) error {
	pixylog.Setup("info", true)

	b := broker.NewBroker(&broker.BrokerOptions{})
	go b.Run()
	defer b.Shutdown()

	progress := pixylog.NewProgressIndicator("broker-demo", topicCount*pubCount*msgCount, pixylog.DefaultProgressConfig())

	delivered := 0
	for t := 0; t < topicCount; t++ {
		topic := fmt.Sprintf("demo.topic.%d", t)
		if _, err := b.CreateTopic(topic, "broker-demo", nil); err != nil {
			return err
		}

		for s := 0; s < subCount; s++ {
			subID := fmt.Sprintf("%s.sub.%d", topic, s)
			if _, err := b.Subscribe(topic, subID, subID, nil, broker.SinkFunc(func(msg *broker.Message) error {
				delivered++
				return nil
			})); err != nil {
				return err
			}
		}

		for p := 0; p < pubCount; p++ {
			publisherID := fmt.Sprintf("%s.pub.%d", topic, p)
			for m := 0; m < msgCount; m++ {
				payload := map[string]interface{}{
					"seq":   m,
					"value": rand.Intn(1000),
				}
				if _, err := b.Publish(topic, payload, publisherID, nil, 0); err != nil {
					return err
				}
				progress.Increment()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
		}
	}

	stats := b.Stats()
	progress.FinishWithMessage(fmt.Sprintf("%d topics, %d messages/sec", stats.TopicCount, int(stats.MessagesPerSec)))
	return nil
}
