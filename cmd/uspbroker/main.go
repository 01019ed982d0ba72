// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Uspbroker is the operator CLI: validating configuration and checking
// on a running daemon's registered Services, connecting to it as an
// ordinary Controller over the domain-socket MTP the way any other
// Controller would.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/uspbroker/broker/config"
	"github.com/uspbroker/broker/internal/protocol"
	"github.com/uspbroker/broker/lib/codec"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command is a minimal subcommand node, trimmed from cmd/bureau/cli's
// Command tree to this CLI's much smaller surface: a flat list of leaf
// commands dispatched by name, each owning its own flag set.
type command struct {
	name    string
	summary string
	flags   func() *pflag.FlagSet
	run     func(args []string) error
}

func run(args []string) error {
	commands := []command{
		versionCommand(),
		configValidateCommand(),
		statusCommand(),
	}

	if len(args) == 0 {
		printUsage(commands)
		return fmt.Errorf("no command given")
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		var fs *pflag.FlagSet
		if c.flags != nil {
			fs = c.flags()
			if err := fs.Parse(args[1:]); err != nil {
				return err
			}
			return c.run(fs.Args())
		}
		return c.run(args[1:])
	}
	printUsage(commands)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(commands []command) {
	fmt.Fprintln(os.Stderr, "usage: uspbroker <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", c.name, c.summary)
	}
}

func versionCommand() command {
	return command{
		name:    "version",
		summary: "print version information",
		run: func([]string) error {
			fmt.Printf("uspbroker %s\n", version)
			return nil
		},
	}
}

func configValidateCommand() command {
	var path string
	return command{
		name:    "config",
		summary: "validate the configuration file",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
			fs.StringVar(&path, "config", "", "path to uspbroker.yaml (overrides USPBROKER_CONFIG)")
			return fs
		},
		run: func(args []string) error {
			if len(args) == 0 || args[0] != "validate" {
				return fmt.Errorf("usage: uspbroker config validate [--config PATH]")
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			fmt.Printf("configuration valid: environment=%s max_services=%d transports=%s\n",
				cfg.Environment, cfg.Core.MaxServices, configuredTransports(cfg))
			return nil
		},
	}
}

func configuredTransports(cfg *config.Config) string {
	var names []string
	if cfg.Transports.UnixSocket.Path != "" {
		names = append(names, "unix_socket")
	}
	if cfg.Transports.WebSocket.Address != "" {
		names = append(names, "websocket")
	}
	if len(cfg.Transports.MQTT.BrokerURLs) > 0 {
		names = append(names, "mqtt")
	}
	if cfg.Transports.STOMP.Address != "" {
		names = append(names, "stomp")
	}
	if len(names) == 0 {
		return "(none)"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += "," + n
	}
	return out
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func statusCommand() command {
	var path, role string
	return command{
		name:    "status",
		summary: "list Services registered with a running daemon",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
			fs.StringVar(&path, "config", "", "path to uspbroker.yaml (overrides USPBROKER_CONFIG)")
			fs.StringVar(&role, "role", "admin", "permission role to present to the daemon")
			return fs
		},
		run: func([]string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if cfg.Transports.UnixSocket.Path == "" {
				return fmt.Errorf("status requires transports.unix_socket.path to be configured")
			}
			return printStatus(cfg.Transports.UnixSocket.Path, role)
		},
	}
}

// helloFrame mirrors transport/unixsocket's identity handshake. Kept as
// a private copy rather than an import of the unexported type it
// shadows: this CLI speaks the wire protocol as an ordinary Controller
// client, not as part of the transport package itself.
type helloFrame struct {
	Endpoint   string `cbor:"endpoint"`
	Agent      bool   `cbor:"agent,omitempty"`
	Controller bool   `cbor:"controller,omitempty"`
	Role       string `cbor:"role,omitempty"`
}

func printStatus(socketPath, role string) error {
	nc, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer nc.Close()

	id := fmt.Sprintf("uspbroker-status-%d", os.Getpid())
	nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := codec.NewEncoder(nc).Encode(helloFrame{Endpoint: id, Controller: true, Role: role}); err != nil {
		return fmt.Errorf("sending hello frame: %w", err)
	}

	data, err := protocol.EncodeMessage(protocol.Message{
		MsgID: id + "-1",
		Body:  protocol.Get{Paths: []string{"Device.USPServices."}},
	})
	if err != nil {
		return err
	}
	if _, err := nc.Write(data); err != nil {
		return fmt.Errorf("sending Get: %w", err)
	}

	nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	var raw codec.RawMessage
	if err := codec.NewDecoder(bufio.NewReader(nc)).Decode(&raw); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	resp, err := protocol.DecodeMessage(raw)
	if err != nil {
		return err
	}

	switch body := resp.Body.(type) {
	case protocol.GetResp:
		printServiceTable(body)
		return nil
	case protocol.Error:
		return fmt.Errorf("daemon returned a fault: %s", body.Msg)
	default:
		return fmt.Errorf("unexpected response kind %T", body)
	}
}

// printServiceTable renders the Device.USPServices. result set as a
// fixed-width table, wrapping to the terminal's width when one can be
// detected (stdout is a pipe in non-interactive invocations, which is
// fine: term.GetSize simply fails and the fallback width is used).
func printServiceTable(resp protocol.GetResp) {
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	if len(resp.Results) == 0 {
		fmt.Println("no Services registered")
		return
	}

	entries := append([]protocol.GetResultEntry(nil), resp.Results...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ResolvedPath < entries[j].ResolvedPath })

	for _, e := range entries {
		value := e.Value
		if e.Err != nil {
			value = "<error: " + e.Err.ErrMsg + ">"
		}
		line := fmt.Sprintf("%-40s %s", e.ResolvedPath, value)
		if len(line) > width {
			line = line[:width]
		}
		fmt.Println(line)
	}
}
