// Command sectiond runs a section-core node. It mirrors the teacher's
// cmd/synnergy entrypoint's cobra shape (one root command, leaf
// subcommands doing exactly one operation each) while replacing the
// mock testnet/tokens commands with genesis bootstrap and node startup,
// the two entrypoints a concrete deployment actually needs.
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sectionnet/core"
	"sectionnet/pkg/config"
	"sectionnet/pkg/utils"
)

func main() {
	root := &cobra.Command{Use: "sectiond"}
	root.AddCommand(genesisCmd())
	root.AddCommand(startCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// genesisIdentity is the on-disk shape written by `sectiond genesis`: the
// elder's node key, the genesis SAP and the BLS secret key bytes an elder
// process needs to sign as the first section.
type genesisIdentity struct {
	NodePriv []byte  `json:"node_priv"`
	NodePub  []byte  `json:"node_pub"`
	SAP      core.SAP `json:"sap"`
	BLSSk    []byte  `json:"bls_sk"`
}

// genesisCmd creates a single-elder genesis section: a fresh BLS key pair
// supplies the SAP's section key (the SAP is written unsigned), and a fresh
// ed25519 key pair identifies the elder on the wire. This is the "Genesis + single join" entrypoint a fresh
// deployment needs before any peer can bootstrap against it.
func genesisCmd() *cobra.Command {
	var out, listenAddr string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "create a genesis section and write its identity to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodePub, nodePriv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return utils.Wrap(err, "generate node key")
			}
			ourName := core.HashXorName(nodePub)

			chainKey, sk, err := core.GenesisKeyPair()
			if err != nil {
				return utils.Wrap(err, "generate genesis bls key")
			}

			sap := core.SAP{
				Prefix:     core.RootPrefix(),
				SectionKey: chainKey,
				Elders: []core.ElderInfo{
					{Name: ourName, Addr: listenAddr},
				},
				MembershipGeneration: 0,
			}

			ident := genesisIdentity{
				NodePriv: nodePriv,
				NodePub:  nodePub,
				SAP:      sap,
				BLSSk:    sk.Serialize(),
			}
			data, err := json.MarshalIndent(ident, "", "  ")
			if err != nil {
				return utils.Wrap(err, "marshal genesis identity")
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return utils.Wrap(err, "write genesis identity")
			}
			fmt.Printf("genesis section created: name=%s key=%s -> %s\n", ourName, chainKey, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "genesis.json", "path to write the genesis identity")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "/ip4/0.0.0.0/tcp/0", "advertised listen multiaddr for the genesis elder")
	return cmd
}

// startCmd loads a genesis identity and configuration, constructs a Node
// and runs it until interrupted — the counterpart to BootstrapNode.Start
// in the teacher, generalized from block-production to the section
// subsystems wired in core/node.go.
func startCmd() *cobra.Command {
	var identityPath, env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a section-core node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return utils.Wrap(err, "load config")
			}
			if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				logrus.SetLevel(level)
			}

			data, err := os.ReadFile(identityPath)
			if err != nil {
				return utils.Wrap(err, "read genesis identity")
			}
			var ident genesisIdentity
			if err := json.Unmarshal(data, &ident); err != nil {
				return utils.Wrap(err, "unmarshal genesis identity")
			}

			nodeCfg := core.NodeConfig{
				OurName:        core.HashXorName(ident.NodePub),
				ListenAddr:     cfg.Network.ListenAddr,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
				DataDir:        cfg.Storage.DataDir,
				ElderCount:     cfg.Section.ElderCount,
				ChunkCopyCount: cfg.Section.ChunkCopyCount,
				QueueDepth:     1024,
				ServicePermits: 64,
				DkgBacklog:     16,
			}

			chunkStore, err := core.NewDiskChunkStore(filepath.Join(cfg.Storage.DataDir, "chunks"))
			if err != nil {
				return utils.Wrap(err, "open chunk store")
			}

			log := logrus.NewEntry(logrus.StandardLogger())
			node, err := core.NewNode(nodeCfg, ident.SAP, chunkStore, log)
			if err != nil {
				return utils.Wrap(err, "construct node")
			}
			node.Start()
			fmt.Printf("sectiond started: name=%s section_key=%s\n", nodeCfg.OurName, ident.SAP.SectionKey)

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			<-sigc
			fmt.Println("shutting down")
			return node.Stop()
		},
	}
	cmd.Flags().StringVar(&identityPath, "identity", "genesis.json", "path to the node's genesis identity file")
	cmd.Flags().StringVar(&env, "env", "", "environment-specific config overlay (merged over default.yaml)")
	return cmd
}
