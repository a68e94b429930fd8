// Command mediad is the automount daemon: it owns the autofs mount on
// the automount root, the mount registry, and the local command
// socket that hotplug events and mediactl talk to.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/romanho/mediad/internal/autofs"
	"github.com/romanho/mediad/internal/command"
	"github.com/romanho/mediad/internal/config"
	"github.com/romanho/mediad/internal/logger"
	"github.com/romanho/mediad/internal/probe"
	"github.com/romanho/mediad/internal/registry"
)

const (
	defaultSocket = "/dev/mediad.socket"
	defaultLock   = "/dev/mediad.lock"
	defaultRoot   = "/media"
)

func main() {
	var foreground bool
	var debug bool
	var configPath string
	var socketPath string
	var root string

	rootCmd := &cobra.Command{
		Use:   "mediad",
		Short: "Automount removable media via the kernel autofs protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, configPath, socketPath, foreground, debug)
		},
	}

	rootCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground (accepted for compatibility; mediad never detaches)")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/mediad.conf", "configuration file path")
	rootCmd.Flags().StringVarP(&socketPath, "socket", "s", defaultSocket, "command socket path")
	rootCmd.Flags().StringVarP(&root, "root", "r", defaultRoot, "automount root directory")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(root, configPath, socketPath string, foreground, debug bool) error {
	logger.Configure(debug)

	release, err := command.AcquireStartupLock(defaultLock)
	if err != nil {
		logger.Error("startup lock held by another instance", map[string]interface{}{"error": err})
		return err
	}
	defer release()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("loading config failed, starting with defaults", map[string]interface{}{"error": err})
		cfg = config.New()
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		logger.Error("cannot create automount root", map[string]interface{}{"error": err, "root": root})
		return err
	}

	reg := registry.New(root, cfg)
	reg.SetConfigPath(configPath)

	if cfg.ScanFstab {
		coldplug(reg)
	}

	engine := autofs.New(root, reg, time.Duration(cfg.ExpireFrequency)*time.Second, cfg.ExpireTimeout)
	reg.SetMountCounter(engine)

	if err := engine.Start(); err != nil {
		logger.Error("failed to start autofs engine", map[string]interface{}{"error": err})
		return err
	}

	dispatcher := command.NewDispatcher(socketPath, registryHandler{reg})
	if err := dispatcher.Start(); err != nil {
		logger.Error("failed to start command dispatcher", map[string]interface{}{"error": err})
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	startHotplugMonitor(monitorCtx, reg)

	waitForShutdown(reg, engine, dispatcher)
	return nil
}

// coldplug replays already-present block devices at start-up
// (spec.md §9 supplemented feature, grounded on
// original_source/device.c's coldplug()).
func coldplug(reg *registry.Registry) {
	identities, err := probe.Coldplug()
	if err != nil {
		logger.Warn("coldplug scan failed", map[string]interface{}{"error": err})
		return
	}
	for _, id := range identities {
		_, err := reg.Add(registry.AddRequest{Device: id.Device, Syspath: "", Identities: id.Pairs})
		if err != nil {
			logger.Warn("coldplug add failed", map[string]interface{}{"device": id.Device, "error": err})
		}
	}
}

// startHotplugMonitor runs probe.Monitor's udev netlink watch as an
// in-process hotplug source alongside the command-socket path of
// spec.md §6, for deployments with no separate mdev/udev rule wired to
// mediactl. Stops when ctx is cancelled at shutdown.
func startHotplugMonitor(ctx context.Context, reg *registry.Registry) {
	identities, errs, err := probe.Monitor(ctx)
	if err != nil {
		logger.Warn("hotplug monitor unavailable", map[string]interface{}{"error": err})
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				logger.Warn("hotplug monitor error", map[string]interface{}{"error": err})
			case id, ok := <-identities:
				if !ok {
					return
				}
				if id.Device == "" {
					continue
				}
				if id.Action == "remove" {
					if err := reg.Remove(id.Device); err != nil {
						logger.ErrLevel("hotplug remove failed", err, map[string]interface{}{"device": id.Device})
					}
					continue
				}
				if _, err := reg.Add(registry.AddRequest{Device: id.Device, Identities: id.Pairs}); err != nil {
					logger.ErrLevel("hotplug add failed", err, map[string]interface{}{"device": id.Device})
				}
			}
		}
	}()
}

// waitForShutdown blocks the main goroutine until SIGINT/SIGQUIT/SIGTERM,
// then performs spec.md §5's shutdown sequence: catatonic, drain every
// registered entry best-effort, unmount the root, remove the socket.
func waitForShutdown(reg *registry.Registry, engine *autofs.Engine, dispatcher *command.Dispatcher) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	sig := <-sigs

	logger.Info("received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	logger.BeginShutdown()

	if err := engine.Shutdown(); err != nil {
		logger.ErrLevel("autofs shutdown failed", err, nil)
	}

	for _, e := range reg.Snapshot() {
		if err := reg.Remove(e.Device()); err != nil {
			logger.ErrLevel("remove during shutdown failed", err, map[string]interface{}{"device": e.Device()})
		}
	}

	if err := dispatcher.Close(); err != nil {
		logger.ErrLevel("command dispatcher close failed", err, nil)
	}
}

// registryHandler adapts *registry.Registry to command.Handler.
type registryHandler struct {
	reg *registry.Registry
}

func (h registryHandler) Add(device string, identities []string) error {
	_, err := h.reg.Add(registry.AddRequest{Device: device, Identities: identities})
	return err
}

func (h registryHandler) Remove(device string) error {
	return h.reg.Remove(device)
}
