package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hyunwoo/reportd/internal/config"
	"github.com/hyunwoo/reportd/pkg/peer"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List configured peers and their tools",
	Long: `Launch each configured peer, perform the handshake, fetch its tool
list and print the result. Peers that fail to start are reported, not
fatal.`,
	RunE: runPeers,
}

func init() {
	rootCmd.AddCommand(peersCmd)
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if len(cfg.Peers) == 0 {
		fmt.Println("No peers configured.")
		return nil
	}

	sup := peer.NewSupervisor(zerolog.Nop(),
		peer.WithCallTimeout(time.Duration(cfg.Timeouts.CallSeconds)*time.Second),
		peer.WithStopGrace(time.Duration(cfg.Timeouts.StopGraceSeconds)*time.Second),
	)
	defer sup.ShutdownAll()

	for _, pc := range cfg.Peers {
		if err := sup.Register(pc); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	for _, name := range sup.Names() {
		fmt.Printf("%s\n", name)

		tools, err := sup.ListTools(ctx, name)
		if err != nil {
			fmt.Printf("  unavailable: %v\n", err)
			continue
		}
		if len(tools) == 0 {
			fmt.Println("  no tools")
			continue
		}
		for _, tool := range tools {
			fmt.Printf("  %-24s %s\n", tool.Name, tool.Description)
		}
	}
	return nil
}
