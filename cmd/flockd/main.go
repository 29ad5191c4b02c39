// Command flockd runs an in-process demonstration cluster: a handful of
// members replicating an echo service over the shared memory bus, plus
// one client offering messages and collecting the echoed responses.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/m7ller/flock/client"
	"github.com/m7ller/flock/cluster"
	clusterpd "github.com/m7ller/flock/cluster/proto"
	"github.com/m7ller/flock/cluster/snap"
	"github.com/m7ller/flock/config"
	"github.com/m7ller/flock/transport"
)

var (
	flagMembers  int
	flagMessages int
	flagLogLevel string
	flagConfig   string
)

func main() {
	root := &cobra.Command{
		Use:   "flockd",
		Short: "flock cluster daemon",
	}

	demo := &cobra.Command{
		Use:   "demo",
		Short: "run an in-process echo cluster and drive it with a client",
		RunE:  runDemo,
	}
	demo.Flags().IntVar(&flagMembers, "members", 3, "cluster size")
	demo.Flags().IntVar(&flagMessages, "messages", 10, "messages to echo")
	demo.Flags().StringVar(&flagLogLevel, "log-level", "warn", "logrus level")
	demo.Flags().StringVar(&flagConfig, "config", "", "member config file used as the options template")
	root.AddCommand(demo)

	validate := &cobra.Command{
		Use:   "validate <config>",
		Short: "check a member config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: member %d of %v, data at %s\n", c.ID, c.Members, c.DataDir)
			return nil
		},
	}
	root.AddCommand(validate)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(flagLogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	template := cluster.Options{}
	if flagConfig != "" {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg.ApplyLogLevel()
		template = cfg.Options()
	}

	bus := transport.MakeMemoryBus()
	members := make([]uint64, flagMembers)
	for i := range members {
		members[i] = uint64(i + 1)
	}

	nodes := make([]*cluster.Node, 0, flagMembers)
	for _, id := range members {
		dir, err := ioutil.TempDir("", fmt.Sprintf("flockd-%d-", id))
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		opts := template
		opts.ID = id
		opts.Members = members
		opts.DataDir = dir
		opts.Bus = bus
		opts.Machine = &echoMachine{}
		node, err := cluster.MakeNode(opts)
		if err != nil {
			return err
		}
		node.Start()
		defer node.Stop()
		nodes = append(nodes, node)
	}

	c := client.MakeClient(bus, members)
	if err := c.OpenSession(10 * time.Second); err != nil {
		return err
	}
	fmt.Printf("session %d open\n", c.SessionID())

	received := 0
	for i := 0; i < flagMessages; i++ {
		payload := []byte(fmt.Sprintf("hello %d", i))
		correlationID := c.NextCorrelationID()
		for !c.Offer(correlationID, payload) {
			time.Sleep(time.Millisecond)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for received < flagMessages && time.Now().Before(deadline) {
		polled := c.PollEgress(func(egress *clusterpd.Egress) {
			if egress.Kind == clusterpd.EgressResponse {
				fmt.Printf("echo %d: %s\n", egress.CorrelationID, egress.Payload)
				received++
			}
		}, 16)
		if polled == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if received < flagMessages {
		return fmt.Errorf("received %d of %d echoes", received, flagMessages)
	}

	if err := c.Close(5 * time.Second); err != nil {
		return err
	}
	fmt.Println("session closed")
	return nil
}

// echoMachine is the smallest possible replicated service: it answers
// every command with its own payload and counts what it applied.
type echoMachine struct {
	applied uint64
}

func (m *echoMachine) Apply(sessionID, correlationID uint64, payload []byte, timestamp int64) []byte {
	m.applied++
	return payload
}

func (m *echoMachine) TakeSnapshot() ([]byte, error) {
	return snap.Encode(&m.applied)
}

func (m *echoMachine) RestoreSnapshot(data []byte) error {
	return snap.Decode(data, &m.applied)
}
