package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/monsterxx03/memreader/pkg/api"
	"github.com/monsterxx03/memreader/pkg/inspect"
	"github.com/monsterxx03/memreader/pkg/logflags"
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/symbolize"
	"github.com/monsterxx03/memreader/pkg/termui"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

var (
	gitVer  string
	buildAt string
)

func useColor(c *cli.Context) bool {
	if c.Bool("no-color") {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func configFromContext(c *cli.Context) inspect.Config {
	cfg := inspect.DefaultConfig()
	if c.IsSet("no-inline") {
		cfg.IncludeInlined = !c.Bool("no-inline")
	}
	if c.IsSet("max-depth") {
		cfg.MaxDepth = c.Int("max-depth")
	}
	if dirs := c.StringSlice("debug-dir"); len(dirs) > 0 {
		cfg.DebugInfoDirs = dirs
	}
	if c.IsSet("symbol-cache") {
		cfg.SymbolCacheSize = c.Int("symbol-cache")
	}
	return cfg
}

func newTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetColumnSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func printMaps(m procmaps.AggregatedMap, color bool) {
	table := newTable()
	table.SetHeader([]string{"File", "Start", "Size"})
	for _, path := range m.Paths() {
		for i, start := range m.Starts(path) {
			name := ""
			if i == 0 {
				name = path
			}
			row := []string{name, fmt.Sprintf("0x%x", start), inspect.HumanateBytes(m[path][start])}
			if !color {
				table.Append(row)
				continue
			}
			c := tablewriter.Colors{tablewriter.FgWhiteColor}
			if strings.HasPrefix(path, "[") {
				c = tablewriter.Colors{tablewriter.FgYellowColor}
			}
			table.Rich(row, []tablewriter.Colors{c, c, c})
		}
	}
	table.Render()
}

func printStacks(stacks []inspect.ThreadStack, color bool) {
	table := newTable()
	table.SetHeader([]string{"Thread", "State", "#", "Frame"})
	for _, th := range stacks {
		for i, f := range th.Frames {
			tid, state := "", ""
			if i == 0 {
				tid, state = strconv.Itoa(th.TID), th.State
			}
			row := []string{tid, state, strconv.Itoa(i), f}
			if !color {
				table.Append(row)
				continue
			}
			c := tablewriter.Colors{tablewriter.FgWhiteColor}
			if th.Active {
				c = tablewriter.Colors{tablewriter.FgGreenColor}
			}
			table.Rich(row, []tablewriter.Colors{c, c, c, c})
		}
	}
	table.Render()
}

func main() {
	var pid int
	pidFlag := &cli.IntFlag{
		Name:        "pid",
		Aliases:     []string{"p"},
		Usage:       "target process id",
		Required:    true,
		EnvVars:     []string{"MEMREADER_PID"},
		Destination: &pid,
	}
	noColorFlag := &cli.BoolFlag{Name: "no-color", Usage: "Don't colorful output"}
	stackFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "no-inline",
			Usage:   "report only the physical function of each frame",
			EnvVars: []string{"MEMREADER_NO_INLINE"},
		},
		&cli.IntFlag{
			Name:    "max-depth",
			Usage:   "maximum frames per thread",
			Value:   unwind.DefaultMaxDepth,
			EnvVars: []string{"MEMREADER_MAX_DEPTH"},
		},
		&cli.StringSliceFlag{
			Name:    "debug-dir",
			Usage:   "directory searched for separate debug files",
			Value:   cli.NewStringSlice(symbolize.DefaultDebugInfoDirs...),
			EnvVars: []string{"MEMREADER_DEBUG_DIRS"},
		},
		&cli.IntFlag{
			Name:    "symbol-cache",
			Usage:   "number of resolved pcs kept per attachment",
			Value:   symbolize.DefaultCacheSize,
			EnvVars: []string{"MEMREADER_SYMBOL_CACHE"},
		},
	}

	app := &cli.App{
		Name:  "memreader",
		Usage: "inspect memory maps and thread stacks of a running process",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "log",
				Usage:   "enable debug logging",
				EnvVars: []string{"MEMREADER_LOG"},
			},
			&cli.StringFlag{
				Name:    "log-output",
				Usage:   "comma separated list of layers to log: attach, unwind, symbolize, inspect",
				EnvVars: []string{"MEMREADER_LOG_OUTPUT"},
			},
		},
		Before: func(c *cli.Context) error {
			return logflags.Setup(c.Bool("log"), c.String("log-output"))
		},
		Commands: []*cli.Command{
			{
				Name:    "maps",
				Aliases: []string{"m"},
				Usage:   "Dump memory mappings grouped by backing file",
				Flags:   []cli.Flag{pidFlag, noColorFlag},
				Action: func(c *cli.Context) error {
					m, err := inspect.New(inspect.DefaultConfig()).MemoryView(pid)
					if err != nil {
						return cli.Exit(inspect.Message(err), 1)
					}
					printMaps(m, useColor(c))
					return nil
				},
			},
			{
				Name:    "stack",
				Aliases: []string{"s"},
				Usage:   "Stop the process and dump the stack of every thread",
				Flags:   append([]cli.Flag{pidFlag, noColorFlag}, stackFlags...),
				Action: func(c *cli.Context) error {
					stacks, err := inspect.New(configFromContext(c)).StackView(pid)
					if err != nil {
						return cli.Exit(inspect.Message(err), 1)
					}
					printStacks(stacks, useColor(c))
					return nil
				},
			},
			{
				Name:    "ui",
				Aliases: []string{"top", "t"},
				Usage:   "Interactive process browser with memory and stack views",
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:    "pid",
						Aliases: []string{"p"},
						Usage:   "process selected on start",
						EnvVars: []string{"MEMREADER_PID"},
					},
					&cli.IntFlag{
						Name:    "refresh",
						Usage:   "refresh interval in seconds",
						Value:   2,
						EnvVars: []string{"MEMREADER_REFRESH"},
					},
				}, stackFlags...),
				Action: func(c *cli.Context) error {
					t := termui.NewTopUI(inspect.New(configFromContext(c)), c.Int("refresh"))
					if c.IsSet("pid") {
						t.Select(c.Int("pid"))
					}
					return t.Run()
				},
			},
			{
				Name:  "serve",
				Usage: "Serve /maps and /stacks over HTTP",
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   8974,
						Usage:   "listen port",
						EnvVars: []string{"MEMREADER_PORT"},
					},
				}, stackFlags...),
				Action: func(c *cli.Context) error {
					s := api.NewServer(c.Int("port"), inspect.New(configFromContext(c)))
					fmt.Fprintf(os.Stderr, "listening on :%d\n", c.Int("port"))
					return s.Start()
				},
			},
			{
				Name:  "mcp",
				Usage: "Run an MCP server on stdio exposing memory_map and stack_trace tools",
				Flags: stackFlags,
				Action: func(c *cli.Context) error {
					version := gitVer
					if version == "" {
						version = "dev"
					}
					return api.NewMCPServer(version, inspect.New(configFromContext(c))).Serve()
				},
			},
			{
				Name:    "version",
				Aliases: []string{"v"},
				Usage:   "print build version",
				Action: func(c *cli.Context) error {
					fmt.Println("Git: " + gitVer)
					fmt.Println("Build at: " + buildAt)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		// the standard logger is discarded unless --log is given
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
