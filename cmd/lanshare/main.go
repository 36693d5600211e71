// Command lanshare is the CLI front-end for the LAN file-sharing engine:
// discovery, pairing, and chunked transfer all live in internal/engine,
// and this binary only wires flags, signals, and the bubbletea TUI around
// it. Grounded on the teacher's cmd/jend/main.go (headless flag,
// os.Interrupt/SIGTERM handling, tea.Program-wraps-a-background-goroutine
// shape), replacing its manual os.Args loop with spf13/cobra subcommands
// per DESIGN.md.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/lanshare/lanshare/internal/config"
	"github.com/lanshare/lanshare/internal/engine"
	"github.com/lanshare/lanshare/internal/ui"
)

var (
	flagHeadless    bool
	flagDownloadDir string
	flagTCPPort     int
	flagUDPPort     int
)

func main() {
	root := &cobra.Command{
		Use:           "lanshare",
		Short:         "Peer-to-peer LAN file sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagHeadless, "headless", false, "disable the interactive TUI, print plain status lines")
	root.PersistentFlags().StringVar(&flagDownloadDir, "download-dir", "", "override the configured download directory")
	root.PersistentFlags().IntVar(&flagTCPPort, "tcp-port", 0, "override the configured session TCP port")
	root.PersistentFlags().IntVar(&flagUDPPort, "udp-port", 0, "override the configured discovery UDP port")

	root.AddCommand(
		sendCmd(),
		receiveCmd(),
		pairCmd(),
		peersCmd(),
		historyCmd(),
		revokeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the persistent flag overrides on top of the saved
// user config, per spec.md §6's configurable options.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if flagDownloadDir != "" {
		cfg.DownloadDir = flagDownloadDir
	}
	if flagTCPPort != 0 {
		cfg.TCPPort = flagTCPPort
	}
	if flagUDPPort != 0 {
		cfg.UDPPort = flagUDPPort
	}
	return cfg, nil
}

// bootEngine constructs and starts an Engine, wiring interrupt/SIGTERM
// handling into ctx cancellation. Callers must call the returned shutdown
// func before exiting so in-flight TransferRecords get flushed.
func bootEngine() (*engine.Engine, context.Context, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e, err := engine.New(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	e.Start(ctx)
	shutdown := func() {
		cancel()
		if err := e.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
	return e, ctx, shutdown, nil
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <path> <device-id>",
		Short: "Send a file or directory to a paired or discoverable peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(args[0], args[1])
		},
	}
}

func runSend(path, peerDeviceID string) error {
	e, ctx, shutdown, err := bootEngine()
	if err != nil {
		return err
	}
	defer shutdown()

	if err := ensurePaired(ctx, e, peerDeviceID); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}

	filename := filepath.Base(path)
	if flagHeadless {
		return runSendHeadless(ctx, e, path, peerDeviceID, filename)
	}
	return runSendTUI(ctx, e, path, peerDeviceID, filename)
}

// ensurePaired blocks until peerDeviceID is trusted, interactively
// collecting a pairing code from stdin if it isn't already. It resolves
// immediately via the Trusted fast path for a peer paired earlier.
func ensurePaired(ctx context.Context, e *engine.Engine, peerDeviceID string) error {
	for _, p := range e.ListPeers() {
		if p.DeviceID == peerDeviceID && p.Trusted {
			return nil
		}
	}

	fmt.Printf("Not yet trusted by %s. Ask its operator for the pairing code shown on their screen.\n", peerDeviceID)
	fmt.Print("Enter 6-digit pairing code: ")
	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return err
	}

	pairCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	go submitCodeUntilActive(pairCtx, e, peerDeviceID, code)
	return e.Pair(pairCtx, peerDeviceID)
}

// submitCodeUntilActive retries SubmitPairCode until the initiator-side
// handshake picks it up: the session is only registered by device_id a
// moment into the dial, so the first few submissions race a not-yet-
// registered session and are silently dropped, since SubmitPairCode is a
// no-op when no session for the peer is pending.
func submitCodeUntilActive(ctx context.Context, e *engine.Engine, peerDeviceID, code string) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SubmitPairCode(peerDeviceID, code)
		}
	}
}

func runSendHeadless(ctx context.Context, e *engine.Engine, path, peerDeviceID, filename string) error {
	handle, err := e.Send(path, peerDeviceID)
	if err != nil {
		return err
	}
	fmt.Printf("Sending %s to %s (job %s)\n", filename, peerDeviceID, handle)
	return waitForJob(ctx, e, handle, func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventTransferProgress:
			fmt.Printf("\r%d / %d bytes", ev.Progress.BytesTransferred, ev.Progress.TotalBytes)
		case engine.EventReconnecting:
			fmt.Println("\nconnection dropped, reconnecting...")
		case engine.EventReconnected:
			fmt.Println("reconnected, resuming")
		}
	})
}

func runSendTUI(ctx context.Context, e *engine.Engine, path, peerDeviceID, filename string) error {
	model := ui.NewModel(ui.RoleSender, filename, peerDeviceID)
	p := tea.NewProgram(model)

	// Registered before Send so no event between job creation and the
	// handle becoming available to this closure is missed; handleSet
	// gates delivery until the handle itself is known.
	var handle string
	var handleSet bool
	var handleMu sync.Mutex
	done := make(chan error, 1)
	start := time.Now()
	e.OnEvent(func(ev engine.Event) {
		handleMu.Lock()
		match := handleSet && ev.JobHandle == handle
		handleMu.Unlock()
		if !match {
			return
		}
		switch ev.Kind {
		case engine.EventTransferProgress:
			elapsed := time.Since(start).Seconds()
			speed := float64(0)
			if elapsed > 0 {
				speed = float64(ev.Progress.BytesTransferred) / elapsed
			}
			eta := time.Duration(0)
			if speed > 0 {
				remaining := float64(ev.Progress.TotalBytes - ev.Progress.BytesTransferred)
				eta = time.Duration(remaining/speed) * time.Second
			}
			p.Send(ui.ProgressMsg{
				SentBytes:  ev.Progress.BytesTransferred,
				TotalBytes: ev.Progress.TotalBytes,
				Speed:      speed,
				ETA:        eta,
				Protocol:   "TCP [LAN]",
			})
		case engine.EventTransferComplete:
			p.Send(ui.ProgressMsg{SentBytes: 1, TotalBytes: 1, Protocol: "TCP [LAN]"})
			done <- nil
		case engine.EventTransferFailed:
			done <- fmt.Errorf("%s", ev.Detail)
		case engine.EventReconnecting:
			p.Send(ui.StatusMsg("peer disconnected, reconnecting..."))
		case engine.EventReconnected:
			p.Send(ui.StatusMsg("reconnected, resuming transfer"))
		}
	})

	go func() {
		err := <-done
		if err != nil {
			p.Send(ui.ErrorMsg(err))
		}
		p.Quit()
	}()

	h, err := e.Send(path, peerDeviceID)
	if err != nil {
		return err
	}
	handleMu.Lock()
	handle, handleSet = h, true
	handleMu.Unlock()

	_, err = p.Run()
	return err
}

func receiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Run in the background, accepting inbound pairing and transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive()
		},
	}
}

func runReceive() error {
	e, ctx, shutdown, err := bootEngine()
	if err != nil {
		return err
	}
	defer shutdown()

	id := e.Identity()
	clipboard.WriteAll(id.DeviceID)
	fmt.Printf("Listening as %s (copied to clipboard)\n", id.DeviceID)
	fmt.Println("Waiting for inbound connections. Press Ctrl+C to stop.")

	var shownMu sync.Mutex
	shownCodes := make(map[string]bool)
	e.OnEvent(func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventPairRequested:
			shownMu.Lock()
			already := shownCodes[ev.PeerDeviceID]
			shownMu.Unlock()
			if code, ok := e.PendingPairCodes()[ev.PeerDeviceID]; ok && !already {
				shownMu.Lock()
				shownCodes[ev.PeerDeviceID] = true
				shownMu.Unlock()
				fmt.Printf("Pairing code for %s: %s\n", ev.PeerDeviceID, code)
			}
		case engine.EventPaired:
			fmt.Printf("Paired with %s\n", ev.PeerDeviceID)
		case engine.EventPeerConnected:
			fmt.Printf("Connected: %s\n", ev.PeerDeviceID)
		case engine.EventPeerDisconnected:
			fmt.Printf("Disconnected: %s\n", ev.PeerDeviceID)
		case engine.EventTransferStarted:
			fmt.Printf("Receiving %s from %s\n", ev.FileName, ev.PeerDeviceID)
		case engine.EventTransferComplete:
			fmt.Printf("Received %s from %s\n", ev.FileName, ev.PeerDeviceID)
		case engine.EventTransferFailed:
			fmt.Printf("Transfer from %s failed: %s\n", ev.PeerDeviceID, ev.Detail)
		}
	})

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <device-id>",
		Short: "Establish mutual trust with a discovered peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ctx, shutdown, err := bootEngine()
			if err != nil {
				return err
			}
			defer shutdown()

			if err := ensurePaired(ctx, e, args[0]); err != nil {
				return err
			}
			fmt.Printf("Paired with %s\n", args[0])
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers visible on the LAN beacon, plus trusted peers not currently advertising",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, shutdown, err := bootEngine()
			if err != nil {
				return err
			}
			defer shutdown()

			// Give the discovery beacon/listener a beat to collect
			// announcements before reading back the peer table.
			time.Sleep(2 * time.Second)

			peers := e.ListPeers()
			if len(peers) == 0 {
				fmt.Println("No peers found.")
				return nil
			}
			for _, p := range peers {
				trusted := ""
				if p.Trusted {
					trusted = " (trusted)"
				}
				fmt.Printf("%-40s %-20s %s:%d%s\n", p.DeviceID, p.Hostname, p.IP, p.TCPPort, trusted)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show past transfers, or detail for a single transfer id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, shutdown, err := bootEngine()
			if err != nil {
				return err
			}
			defer shutdown()

			history := e.History()
			if clear {
				if err := history.Clear(); err != nil {
					return err
				}
				fmt.Println("History cleared.")
				return nil
			}
			if len(args) == 1 {
				history.ShowDetail(args[0])
				return nil
			}
			history.ShowHistory()
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "delete all transfer history")
	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Remove a peer from the trusted-devices list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, shutdown, err := bootEngine()
			if err != nil {
				return err
			}
			defer shutdown()

			if err := e.Revoke(args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s. It will need to re-pair with a new code.\n", args[0])
			return nil
		},
	}
}

// waitForJob polls progress for handle, invoking onEvent for progress UX
// while the engine's on_event fan-out notifies of state changes, and
// returns once the job reaches a terminal state.
func waitForJob(ctx context.Context, e *engine.Engine, handle string, onEvent func(engine.Event)) error {
	e.OnEvent(func(ev engine.Event) {
		if ev.JobHandle == handle {
			onEvent(ev)
		}
	})

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			prog, ok := e.Progress(handle)
			if !ok {
				return nil
			}
			switch prog.State {
			case "complete":
				fmt.Println("\nDone.")
				return nil
			case "failed":
				return fmt.Errorf("transfer failed")
			case "cancelled":
				return fmt.Errorf("transfer cancelled")
			}
		}
	}
}
