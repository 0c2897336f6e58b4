// Command kernelctl is a CLI client of the Host API (spec.md section 6),
// one subcommand per operation, mirroring cmd/nova's command layout: a
// persistent --addr flag naming the kerneld control API, subcommands built
// with RunE, tabwriter-formatted table output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/vatkernel/internal/controlapi"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/subcluster"
)

var addr string

func main() {
	root := &cobra.Command{
		Use:   "kernelctl",
		Short: "Control the vat kernel over its Host API",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "control API address")

	root.AddCommand(
		launchCmd(),
		reloadSubclusterCmd(),
		terminateSubclusterCmd(),
		getSubclustersCmd(),
		getSubclusterVatsCmd(),
		isVatInSubclusterCmd(),
		queueMessageCmd(),
		queueMessageFromKernelCmd(),
		statusCmd(),
		reapCmd(),
		gcCmd(),
		restartVatCmd(),
		terminateVatCmd(),
		isRevokedCmd(),
		initRemoteCommsCmd(),
		issueUrlCmd(),
		redeemUrlCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printCapData(cd domain.CapData) {
	if cd.IsError() {
		fmt.Printf("error: %s\n", cd.ErrorMessage())
		return
	}
	fmt.Println(cd.Body)
}

func launchCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a subcluster from a JSON/YAML config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			var sc subcluster.Config
			if err := json.Unmarshal(data, &sc); err != nil {
				return fmt.Errorf("parse config: %w", err)
			}

			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.LaunchSubcluster(context.Background(), &controlapi.LaunchSubclusterRequest{Config: sc})
			if err != nil {
				return err
			}
			fmt.Printf("subcluster: %s\n", resp.SubclusterID)
			printCapData(resp.Result)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a subcluster config file (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func reloadSubclusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload-subcluster <subcluster-id>",
		Short: "Terminate a subcluster's vats and relaunch it from its stored config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.ReloadSubcluster(context.Background(), &controlapi.ReloadSubclusterRequest{SubclusterID: domain.SubclusterID(args[0])})
			if err != nil {
				return err
			}
			printCapData(resp.Result)
			return nil
		},
	}
	return cmd
}

func terminateSubclusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate-subcluster <subcluster-id>",
		Short: "Terminate every vat in a subcluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.TerminateSubcluster(context.Background(), &controlapi.TerminateSubclusterRequest{SubclusterID: domain.SubclusterID(args[0])})
			return err
		},
	}
}

func getSubclustersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-subclusters",
		Short: "List every live subcluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.GetSubclusters(context.Background(), &controlapi.GetSubclustersRequest{})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBOOTSTRAP VAT\tVATS\tSERVICES")
			for _, sc := range resp.Subclusters {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", sc.ID, sc.BootstrapVat, len(sc.Vats), len(sc.Services))
			}
			return w.Flush()
		},
	}
}

func getSubclusterVatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-subcluster-vats <subcluster-id>",
		Short: "List the vats belonging to a subcluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.GetSubclusterVats(context.Background(), &controlapi.GetSubclusterVatsRequest{SubclusterID: domain.SubclusterID(args[0])})
			if err != nil {
				return err
			}
			for _, v := range resp.Vats {
				fmt.Println(v)
			}
			return nil
		},
	}
}

func isVatInSubclusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is-vat-in-subcluster <vat-id> <subcluster-id>",
		Short: "Check whether a vat belongs to a subcluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.IsVatInSubcluster(context.Background(), &controlapi.IsVatInSubclusterRequest{
				VatID:        domain.VatID(args[0]),
				SubclusterID: domain.SubclusterID(args[1]),
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.InSubcluster)
			return nil
		},
	}
}

func queueMessageCmd() *cobra.Command {
	var method, body string
	cmd := &cobra.Command{
		Use:   "queue-message <kref>",
		Short: "Send a method call to a kref and block for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			args2 := domain.CapData{}
			if body != "" {
				args2 = domain.DataCapData(body, nil)
			}

			resp, err := c.QueueMessage(context.Background(), &controlapi.QueueMessageRequest{
				KRef:   domain.KRef(args[0]),
				Method: method,
				Args:   args2,
			})
			if err != nil {
				return err
			}
			printCapData(resp.Result)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "method name to invoke (required)")
	cmd.Flags().StringVar(&body, "body", "", "JSON-encoded argument body")
	cmd.MarkFlagRequired("method")
	return cmd
}

func queueMessageFromKernelCmd() *cobra.Command {
	var method, body string
	cmd := &cobra.Command{
		Use:    "queue-message-from-kernel <kref>",
		Short:  "Send a kernel-originated method call to a kref and block for the result",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			args2 := domain.CapData{}
			if body != "" {
				args2 = domain.DataCapData(body, nil)
			}

			resp, err := c.QueueMessageFromKernel(context.Background(), &controlapi.QueueMessageRequest{
				KRef:   domain.KRef(args[0]),
				Method: method,
				Args:   args2,
			})
			if err != nil {
				return err
			}
			printCapData(resp.Result)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "method name to invoke (required)")
	cmd.Flags().StringVar(&body, "body", "", "JSON-encoded argument body")
	cmd.MarkFlagRequired("method")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every live vat, subcluster, and remote comms peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.GetStatus(context.Background(), &controlapi.GetStatusRequest{})
			if err != nil {
				return err
			}

			fmt.Printf("vats: %d\n", len(resp.Status.Vats))
			for _, v := range resp.Status.Vats {
				fmt.Printf("  %s\n", v)
			}
			fmt.Printf("subclusters: %d\n", len(resp.Status.Subclusters))
			for _, sc := range resp.Status.Subclusters {
				fmt.Printf("  %s (bootstrap %s, %d vats)\n", sc.ID, sc.BootstrapVat, len(sc.Vats))
			}
			if resp.Status.RemoteComms != nil {
				fmt.Printf("remote comms: peer %s listening on %s\n", resp.Status.RemoteComms.PeerID, resp.Status.RemoteComms.ListenAddr)
			}
			return nil
		},
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run bringOutYourDead over every vat now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.ReapAllVats(context.Background(), &controlapi.ReapAllVatsRequest{})
			return err
		},
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run a garbage collection sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.CollectGarbage(context.Background(), &controlapi.CollectGarbageRequest{})
			return err
		},
	}
}

func restartVatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-vat <vat-id>",
		Short: "Restart a vat's worker from durable vatstore content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.RestartVat(context.Background(), &controlapi.RestartVatRequest{VatID: domain.VatID(args[0])})
			return err
		},
	}
}

func terminateVatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate-vat <vat-id>",
		Short: "Terminate a vat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.TerminateVat(context.Background(), &controlapi.TerminateVatRequest{VatID: domain.VatID(args[0])})
			return err
		},
	}
}

func isRevokedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is-revoked <kref>",
		Short: "Check whether a kref has been revoked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.IsRevoked(context.Background(), &controlapi.IsRevokedRequest{KRef: domain.KRef(args[0])})
			if err != nil {
				return err
			}
			fmt.Println(resp.Revoked)
			return nil
		},
	}
}

func initRemoteCommsCmd() *cobra.Command {
	var selfSeed string
	var peerFlags []string
	cmd := &cobra.Command{
		Use:   "init-remote-comms",
		Short: "Initialize this kernel's peer-to-peer remote comms",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers := make(map[domain.PeerID]string, len(peerFlags))
			for _, p := range peerFlags {
				parts := strings.SplitN(p, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --peer %q, expected id=addr", p)
				}
				peers[domain.PeerID(parts[0])] = parts[1]
			}

			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.InitRemoteComms(context.Background(), &controlapi.InitRemoteCommsRequest{SelfSeed: selfSeed, Peers: peers})
			return err
		},
	}
	cmd.Flags().StringVar(&selfSeed, "self-seed", "", "seed string identifying this peer (required)")
	cmd.Flags().StringArrayVar(&peerFlags, "peer", nil, "peer in id=addr form, may be repeated")
	cmd.MarkFlagRequired("self-seed")
	return cmd
}

func issueUrlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-url <kref>",
		Short: "Issue a redeemable OCAP URL for a kref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.IssueOcapUrl(context.Background(), &controlapi.IssueOcapUrlRequest{KRef: domain.KRef(args[0])})
			if err != nil {
				return err
			}
			fmt.Println(resp.URL)
			return nil
		},
	}
}

func redeemUrlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem-url <url>",
		Short: "Redeem an OCAP URL into a local kref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.RedeemOcapUrl(context.Background(), &controlapi.RedeemOcapUrlRequest{URL: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(resp.KRef)
			return nil
		},
	}
}
