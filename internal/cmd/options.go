package cmd

import (
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/peer-relay/internal/node"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// nodeOptions holds everything the node command accepts. A YAML file given
// with --config uses the same keys; flags set on the command line win.
type nodeOptions struct {
	Listen      string `yaml:"listen"`
	Advertise   string `yaml:"advertise"`
	Server      string `yaml:"server"`
	ServerID    string `yaml:"server_id"`
	Relay       bool   `yaml:"relay"`
	ID          string `yaml:"id"`
	Nick        string `yaml:"nick"`
	DB          string `yaml:"db"`
	Inbox       string `yaml:"inbox"`
	MetricsAddr string `yaml:"metrics_addr"`
	LANOnly     bool   `yaml:"lan_only"`
	NoRelayed   bool   `yaml:"no_relayed"`
	LogLevel    string `yaml:"log_level"`
}

func (o *nodeOptions) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", ":4100", "UDP address to listen on")
	fs.StringVar(&o.Advertise, "advertise", "", "address announced to other nodes instead of the bound one")
	fs.StringVar(&o.Server, "server", "", "address of the server node to join")
	fs.StringVar(&o.ServerID, "server-id", "", "node ID of the server, marks it as relay before it says hello")
	fs.BoolVar(&o.Relay, "relay", false, "act as server and relay for other nodes")
	fs.StringVar(&o.ID, "id", "", "node ID (random when empty)")
	fs.StringVar(&o.Nick, "nick", "", "display name")
	fs.StringVar(&o.DB, "db", "", "sqlite file remembering known nodes")
	fs.StringVar(&o.Inbox, "inbox", "inbox", "directory for received files")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.BoolVar(&o.LANOnly, "lan-only", false, "never connect to a relay")
	fs.BoolVar(&o.NoRelayed, "no-relayed", false, "reject relayed connections addressed to this node")
	fs.StringVar(&o.LogLevel, "log-level", "info", "debug, info, warn or error")
}

// load reads the YAML file at path into o and then reapplies the flags that
// were set explicitly.
func (o *nodeOptions) load(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	changed := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for name, value := range changed {
		if err := fs.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (o *nodeOptions) identity(base protocol.PeerIdentity) protocol.PeerIdentity {
	id := base
	if o.ID != "" {
		id = protocol.PeerIdentity{ID: o.ID, Nick: o.ID}
	}
	if o.Nick != "" {
		id.Nick = o.Nick
	}
	return id
}

func (o *nodeOptions) nodeConfig() node.Config {
	cfg := node.DefaultConfig()
	cfg.Identity = o.identity(cfg.Identity)
	cfg.ListenAddr = o.Listen
	cfg.AdvertiseAddr = o.Advertise
	cfg.ServerAddr = o.Server
	cfg.ServerID = o.ServerID
	cfg.Server = o.Relay
	cfg.InboxDir = o.Inbox
	cfg.Relay.LANOnly = o.LANOnly
	cfg.Relay.AllowRelayed = !o.NoRelayed
	return cfg
}
