package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kodeflow/procd/internal/clockid"
	"github.com/kodeflow/procd/internal/config"
	"github.com/kodeflow/procd/internal/ecosystem"
	"github.com/kodeflow/procd/internal/spec"
	"github.com/kodeflow/procd/internal/statemgr"
	pclient "github.com/kodeflow/procd/pkg/client"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// resolveAddress returns the address a client should dial: the configured
// unix socket path unchanged, or, in TCP mode, "127.0.0.1:<port>" built from
// the port the running daemon wrote to its endpoint locator file (the bind
// address in cfg itself is just the "127.0.0.1:0" ephemeral placeholder).
func resolveAddress(cfg config.Config) (string, error) {
	if cfg.Network != "tcp" {
		return cfg.SocketPath, nil
	}
	m := statemgr.New(cfg.DaemonDir, "", clockid.Default)
	token, err := m.ReadEndpoint()
	if err != nil {
		return "", fmt.Errorf("no endpoint locator in %s - start the daemon first with 'procd serve'", cfg.DaemonDir)
	}
	port, err := statemgr.ParsePort(token)
	if err != nil {
		return "", fmt.Errorf("malformed endpoint locator %q: %w", token, err)
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}

// dial connects to the daemon named by cfg, erroring with the teacher's
// "start the daemon first" guidance if it isn't reachable.
func dial(ctx context.Context, cfg config.Config) (*pclient.Client, error) {
	address, err := resolveAddress(cfg)
	if err != nil {
		return nil, err
	}
	c := pclient.New(pclient.Config{Network: cfg.Network, Address: address, Timeout: 10 * time.Second})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'procd serve'", address)
	}
	return c, nil
}

func main() {
	var configPath string

	root := &cobra.Command{Use: "procd", Short: "local process supervisor"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to daemon config file")

	loadConfig := func() (config.Config, error) { return config.Load(configPath) }

	root.AddCommand(
		newServeCmd(loadConfig),
		newStartCmd(loadConfig),
		newStopCmd(loadConfig),
		newRestartCmd(loadConfig),
		newListCmd(loadConfig),
		newScaleCmd(loadConfig),
		newDeleteCmd(loadConfig),
		newLogsCmd(loadConfig),
		newMonitCmd(loadConfig),
		newShowCmd(loadConfig),
		newSaveCmd(loadConfig),
		newLoadCmd(loadConfig),
		newStartFromFileCmd(loadConfig),
		newStatusCmd(loadConfig),
		newShutdownCmd(loadConfig),
		newErrorStatsCmd(loadConfig),
		newErrorsCmd(loadConfig),
	)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loadConfigFunc func() (config.Config, error)

func newServeCmd(loadConfig loadConfigFunc) *cobra.Command {
	var loadFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the supervisor daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg, loadFile)
		},
	}
	cmd.Flags().StringVar(&loadFile, "load", "", "ecosystem file to start from on boot")
	return cmd
}

func newStartCmd(loadConfig loadConfigFunc) *cobra.Command {
	var id, name, script, cwd, memLimit string
	var instances, maxRestarts int
	var autoRestart bool
	var env []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()

			if id == "" {
				id = name
			}
			s := spec.ProcessSpec{
				ID:          id,
				Name:        name,
				Script:      script,
				Cwd:         cwd,
				Env:         parseEnvPairs(env),
				Instances:   instances,
				AutoRestart: autoRestart,
				MaxRestarts: maxRestarts,
			}
			if memLimit != "" {
				if n, err := ecosystem.ParseMemory(memLimit); err == nil {
					s.MemoryLimit = n
				}
			}
			out, err := c.Start(ctx, pclient.StartRequest{Spec: s})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "process id (default: name)")
	cmd.Flags().StringVar(&name, "name", "", "process name")
	cmd.Flags().StringVar(&script, "script", "", "command/script to run")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&memLimit, "max-memory-restart", "", "restart when RSS exceeds this (e.g. 200M)")
	cmd.Flags().IntVar(&instances, "instances", 1, "number of instances")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 15, "max auto-restarts before giving up")
	cmd.Flags().BoolVar(&autoRestart, "autorestart", true, "restart automatically on crash")
	cmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE environment entry (repeatable)")
	return cmd
}

func parseEnvPairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := splitKV(p)
		if ok {
			out[k] = v
		}
	}
	return out
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func newIdentifierCmd(loadConfig loadConfigFunc, use, short, verb string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <identifier>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()

			req := pclient.IdentifierRequest{Identifier: args[0]}
			switch verb {
			case "stop":
				err = c.Stop(ctx, req)
			case "restart":
				var out pclient.StartResult
				out, err = c.Restart(ctx, req)
				if err == nil {
					printJSON(out)
					return nil
				}
			case "delete":
				err = c.Delete(ctx, req)
			case "show":
				var out pclient.ShowResult
				out, err = c.Show(ctx, req)
				if err == nil {
					printJSON(out)
					return nil
				}
			}
			if err != nil {
				return err
			}
			fmt.Printf("ok: %s %s\n", verb, args[0])
			return nil
		},
	}
	return cmd
}

func newStopCmd(loadConfig loadConfigFunc) *cobra.Command {
	return newIdentifierCmd(loadConfig, "stop", "stop a process", "stop")
}

func newRestartCmd(loadConfig loadConfigFunc) *cobra.Command {
	return newIdentifierCmd(loadConfig, "restart", "restart a process", "restart")
}

func newDeleteCmd(loadConfig loadConfigFunc) *cobra.Command {
	return newIdentifierCmd(loadConfig, "delete", "delete a process", "delete")
}

func newShowCmd(loadConfig loadConfigFunc) *cobra.Command {
	return newIdentifierCmd(loadConfig, "show", "show a process's detail and recent metrics", "show")
}

func newListCmd(loadConfig loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every managed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.List(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newScaleCmd(loadConfig loadConfigFunc) *cobra.Command {
	var instances int
	cmd := &cobra.Command{
		Use:   "scale <id>",
		Short: "scale a process to N instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			if err := c.Scale(ctx, pclient.ScaleRequest{ID: args[0], Instances: instances}); err != nil {
				return err
			}
			fmt.Printf("ok: scaled %s to %d\n", args[0], instances)
			return nil
		},
	}
	cmd.Flags().IntVar(&instances, "instances", 1, "desired instance count")
	return cmd
}

func newLogsCmd(loadConfig loadConfigFunc) *cobra.Command {
	var lines int
	var filter string
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <identifier>",
		Short: "show or follow a process's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()

			req := pclient.LogsRequest{Identifier: args[0], Lines: lines, Filter: filter}
			if !follow {
				out, err := c.Logs(ctx, req)
				if err != nil {
					return err
				}
				for _, line := range out.Lines {
					fmt.Println(line)
				}
				return nil
			}
			ch, err := c.FollowLogs(ctx, req)
			if err != nil {
				return err
			}
			for line := range ch {
				fmt.Println(line.Line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing lines")
	cmd.Flags().StringVar(&filter, "filter", "", "only show lines containing this substring")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines as they arrive")
	return cmd
}

func newMonitCmd(loadConfig loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "monit",
		Short: "show live resource usage for every managed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.Monit(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newSaveCmd(loadConfig loadConfigFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <file>",
		Short: "save the current fleet to an ecosystem file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			if err := c.Save(ctx, pclient.FilePathRequest{FilePath: args[0]}); err != nil {
				return err
			}
			fmt.Printf("ok: saved to %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newLoadCmd(loadConfig loadConfigFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "load and start every process in an ecosystem file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.Load(ctx, pclient.FilePathRequest{FilePath: args[0]})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	return cmd
}

func newStartFromFileCmd(loadConfig loadConfigFunc) *cobra.Command {
	var appName string
	cmd := &cobra.Command{
		Use:   "startFromFile <file>",
		Short: "start only one named app from an ecosystem file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.StartFromFile(ctx, pclient.FilePathRequest{FilePath: args[0], AppName: appName})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&appName, "app", "", "app name to start (default: all)")
	return cmd
}

func newStatusCmd(loadConfig loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show daemon health and connection stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.Status(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newShutdownCmd(loadConfig loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "gracefully stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			if err := c.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Println("ok: daemon shutting down")
			return nil
		},
	}
}

func newErrorStatsCmd(loadConfig loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "errorStats",
		Short: "show aggregate error counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.ErrorStats(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newErrorsCmd(loadConfig loadConfigFunc) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "show recent recorded errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Disconnect() }()
			out, err := c.Errors(ctx, limit)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries to return")
	return cmd
}
