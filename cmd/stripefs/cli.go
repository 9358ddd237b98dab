package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/stripefs/core/client"
	"github.com/pyropy/stripefs/core/fusefs"
	"github.com/pyropy/stripefs/core/node"
	"github.com/pyropy/stripefs/core/stripe"
)

var serversFlag = &cli.StringSliceFlag{
	Name:     "servers",
	Required: true,
	Usage:    "Node addresses ip:port in lane order; the last one is the parity lane",
}

var rootFlag = &cli.StringFlag{
	Name:     "root",
	Required: true,
	Usage:    "Local client root directory",
}

var logFlag = &cli.StringFlag{
	Name:  "log",
	Usage: "Log file; stderr when unset",
}

var nodeCmd = &cli.Command{
	Name:  "node",
	Usage: "Run a storage node",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "Bind address"},
		&cli.IntFlag{Name: "port", Usage: "Listen port"},
		&cli.StringFlag{Name: "root", Usage: "Directory chunks are stored under"},
		logFlag,
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := node.GetConfig()
		if err != nil {
			return err
		}

		if ctx.IsSet("host") {
			cfg.Host = ctx.String("host")
		}
		if ctx.IsSet("port") {
			cfg.Port = ctx.Int("port")
		}
		if ctx.IsSet("root") {
			cfg.Root = ctx.String("root")
		}
		if ctx.IsSet("log") {
			cfg.LogFile = ctx.String("log")
		}

		if cfg.Port == 0 {
			return errors.New("port is required in node mode")
		}
		if cfg.Root == "" {
			return errors.New("root directory is required in node mode")
		}

		srv, err := node.NewServer(cfg)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Close()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		<-shutdown

		return nil
	},
}

var mountCmd = &cli.Command{
	Name:  "mount",
	Usage: "Mount the striped filesystem",
	Flags: []cli.Flag{
		rootFlag,
		serversFlag,
		logFlag,
		&cli.StringFlag{
			Name:     "mount",
			Required: true,
			Usage:    "Mount point directory",
		},
		&cli.DurationFlag{
			Name:  "probe-interval",
			Value: 10 * time.Second,
			Usage: "Heartbeat probe interval, 0 disables probing",
		},
	},
	Action: func(ctx *cli.Context) error {
		servers := ctx.StringSlice("servers")

		sess, err := client.NewSession(ctx.String("root"), servers, ctx.String("log"))
		if err != nil {
			return err
		}
		defer sess.Close()

		server, err := fusefs.Mount(ctx.String("mount"), sess, ctx.String("log"))
		if err != nil {
			return err
		}

		if interval := ctx.Duration("probe-interval"); interval > 0 {
			monitor, err := client.NewHealthMonitorService(servers, interval)
			if err != nil {
				return err
			}

			probeCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go monitor.Start(probeCtx)
		}

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-shutdown
			server.Unmount()
		}()

		server.Wait()
		return nil
	},
}

var writeCmd = &cli.Command{
	Name:  "write",
	Usage: "Stripe a local file onto the nodes",
	Flags: []cli.Flag{
		rootFlag,
		serversFlag,
		logFlag,
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path of the local file to write",
		},
		&cli.StringFlag{
			Name:     "dfs-path",
			Required: true,
			Usage:    "Path the file is stored under on the nodes",
		},
	},
	Action: func(ctx *cli.Context) error {
		content, err := os.ReadFile(ctx.String("file-path"))
		if err != nil {
			return err
		}

		sess, err := client.NewSession(ctx.String("root"), ctx.StringSlice("servers"), ctx.String("log"))
		if err != nil {
			return err
		}
		defer sess.Close()

		bw, err := sess.Write(ctx.Context, ctx.String("dfs-path"), content)
		if err != nil {
			return err
		}

		log.Infow("write finished", "path", ctx.String("dfs-path"), "bytes", bw)
		return nil
	},
}

var readCmd = &cli.Command{
	Name:  "read",
	Usage: "Read a file back from the nodes",
	Flags: []cli.Flag{
		rootFlag,
		serversFlag,
		logFlag,
		&cli.StringFlag{
			Name:     "dfs-path",
			Required: true,
			Usage:    "Path of the file on the nodes",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "Local file to write the content to; stdout when unset",
		},
	},
	Action: func(ctx *cli.Context) error {
		sess, err := client.NewSession(ctx.String("root"), ctx.StringSlice("servers"), ctx.String("log"))
		if err != nil {
			return err
		}
		defer sess.Close()

		path := ctx.String("dfs-path")
		if err := sess.OpenRead(path); err != nil {
			return err
		}
		defer sess.CloseRead()

		length := sess.NodeLength()
		if md, err := sess.Meta.Get(ctx.Context, path); err == nil && md != nil {
			length = md.Length
		}

		var out io.Writer = os.Stdout
		if name := ctx.String("out"); name != "" {
			f, err := os.Create(name)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		buf := make([]byte, stripe.ChunkSize)
		for off := int64(0); off < length; {
			n := int64(len(buf))
			if length-off < n {
				n = length - off
			}

			if _, err := sess.Read(buf[:n], off); err != nil {
				return err
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}

			off += n
		}

		return nil
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "List files recorded in the local metadata store",
	Flags: []cli.Flag{rootFlag, serversFlag, logFlag},
	Action: func(ctx *cli.Context) error {
		sess, err := client.NewSession(ctx.String("root"), ctx.StringSlice("servers"), ctx.String("log"))
		if err != nil {
			return err
		}
		defer sess.Close()

		files, err := sess.Meta.All(ctx.Context)
		if err != nil {
			return err
		}

		for _, file := range files {
			fmt.Printf("%s\t%d bytes\t%d strides\tchecksum %08x\n", file.Path, file.Length, file.Strides, file.Checksum)
		}

		return nil
	},
}

var pingCmd = &cli.Command{
	Name:  "ping",
	Usage: "Heartbeat every node once",
	Flags: []cli.Flag{serversFlag},
	Action: func(ctx *cli.Context) error {
		servers := ctx.StringSlice("servers")

		monitor, err := client.NewHealthMonitorService(servers, time.Second)
		if err != nil {
			return err
		}

		var lastErr error
		for _, addr := range servers {
			rtt, err := monitor.Probe(addr)
			if err != nil {
				fmt.Printf("%s\tunreachable\t%v\n", addr, err)
				lastErr = err
				continue
			}
			fmt.Printf("%s\t%v\n", addr, rtt)
		}

		return lastErr
	},
}
