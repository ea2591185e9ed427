package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hmatuschek/overlaynet/config"
	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/identity"
	"github.com/hmatuschek/overlaynet/network"
	"github.com/hmatuschek/overlaynet/node"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "overlay-node",
		Short: "Run or manage an overlay network node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "overlay-node.toml", "path to the node's TOML config file")
	root.AddCommand(runCmd(), keygenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node and join its configured networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func keygenCmd() *cobra.Command {
	var out string
	var printFingerprint bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printFingerprint {
				return printIdentityFingerprint(out)
			}
			return generateIdentity(out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "identity.pem", "path to write (or, with --print-fingerprint, read) the identity key")
	cmd.Flags().BoolVar(&printFingerprint, "print-fingerprint", false, "print the fingerprint sidecar for an existing identity instead of generating one")
	return cmd
}

func generateIdentity(out string) error {
	id, err := identity.New()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	if err := id.Save(out); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	fp, err := id.Fingerprint()
	if err != nil {
		return fmt.Errorf("compute fingerprint: %w", err)
	}
	fmt.Printf("wrote %s (fingerprint %s)\n", out, fp.ToBase32())
	return nil
}

// printIdentityFingerprint reads the ".fingerprint" sidecar written
// alongside out by Save, so inspecting a node's identity never requires
// parsing its private key (SPEC_FULL.md §6).
func printIdentityFingerprint(out string) error {
	data, err := os.ReadFile(out + ".fingerprint")
	if err != nil {
		return fmt.Errorf("read fingerprint sidecar: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runNode() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, logFile := setupLogging(cfg)
	defer func() { _ = logFile.Close() }()

	cfg.IdentityPath = resolveDataPath(cfg.DataDir, cfg.IdentityPath)

	id, err := loadOrGenerateIdentity(cfg, logger)
	if err != nil {
		return err
	}

	conn, err := node.Listen(cfg.ListenAddr, cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n, err := node.New(id, conn, logger)
	if err != nil {
		return fmt.Errorf("new node: %w", err)
	}
	n.RendezvousKeepalive = cfg.RendezvousKeepalive
	n.OnDisconnected = func() { logger.Warn("lost all verified root-network neighbours") }

	for _, prefix := range cfg.Networks {
		n.JoinNetwork(prefix)
	}

	publishStats(n)
	startDebugListener(cfg, logger)

	go n.Run()

	bootstrap(n, cfg, logger)

	waitForShutdown(n, logger)
	return nil
}

func setupLogging(cfg config.Config) (*slog.Logger, *os.File) {
	level := parseLevel(cfg.LogLevel)

	var handlers []slog.Handler
	handlers = append(handlers, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	var logFile *os.File
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logFile = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	logger := slog.New(&multiHandler{handlers: handlers})
	return logger, logFile
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveDataPath anchors a relative identity path under the
// configured data directory, matching the teacher's directory.Cache
// convention of keeping all on-disk state under one root (SPEC_FULL.md
// §4.I "DataDir: cache dir for identity").
func resolveDataPath(dataDir, path string) string {
	if dataDir == "" || dataDir == "." || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

func loadOrGenerateIdentity(cfg config.Config, logger *slog.Logger) (*identity.Identity, error) {
	if id, err := identity.Load(cfg.IdentityPath); err == nil {
		return id, nil
	}
	logger.Info("no identity found, generating a new one", "path", cfg.IdentityPath)
	id, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := id.Save(cfg.IdentityPath); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// bootstrap pings every configured bootstrap peer on the root network so
// the local routing table has at least one verified neighbour to search
// from (spec.md §4.C "joining an existing overlay").
func bootstrap(n *node.Node, cfg config.Config, logger *slog.Logger) {
	for _, peer := range cfg.BootstrapPeers {
		id, addr, err := parseBootstrapPeer(peer)
		if err != nil {
			logger.Warn("skipping malformed bootstrap peer", "peer", peer, "error", err)
			continue
		}
		n.Do(func(n *node.Node) {
			n.Ping(network.Root, id, addr)
		})
	}
}

func parseBootstrapPeer(s string) (identifier.Identifier, *net.UDPAddr, error) {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return identifier.Identifier{}, nil, fmt.Errorf("expected fingerprint@host:port")
	}
	id, err := identifier.FromBase32(s[:at])
	if err != nil {
		return identifier.Identifier{}, nil, fmt.Errorf("fingerprint: %w", err)
	}
	host, portStr, err := net.SplitHostPort(s[at+1:])
	if err != nil {
		return identifier.Identifier{}, nil, fmt.Errorf("address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return identifier.Identifier{}, nil, fmt.Errorf("port: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return identifier.Identifier{}, nil, fmt.Errorf("resolve %q: %w", host, err)
		}
		ip = resolved.IP
	}
	return id, &net.UDPAddr{IP: ip, Port: port}, nil
}

func publishStats(n *node.Node) {
	expvar.Publish("overlaynet_local_id", expvar.Func(func() any {
		return n.LocalID().ToBase32()
	}))
	n.PublishVars("overlaynet")
}

func startDebugListener(cfg config.Config, logger *slog.Logger) {
	if cfg.DebugListenAddr == "" {
		return
	}
	go func() {
		if err := http.ListenAndServe(cfg.DebugListenAddr, nil); err != nil {
			logger.Warn("debug listener stopped", "error", err)
		}
	}()
}

func waitForShutdown(n *node.Node, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	if err := n.Close(); err != nil {
		logger.Warn("error closing node", "error", err)
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
