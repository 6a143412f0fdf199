// Command mdx drives a mediated-device board for development: it loads a
// YAML board description, opens every declared device on the simulated bus
// and either dumps the device/region/interrupt info or serves the protocol
// on a unix socket for out-of-process clients.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/mdx/internal/ipc"
	"github.com/tinyrange/mdx/internal/mediator"
	"github.com/tinyrange/mdx/internal/memmap"
	"github.com/tinyrange/mdx/internal/msi"
	"github.com/tinyrange/mdx/internal/sim"
	"github.com/tinyrange/mdx/internal/topology"
	"github.com/tinyrange/mdx/internal/trace"
)

var (
	boardPath = flag.String("board", "board.yaml", "board description file")
	socket    = flag.String("socket", "", "serve the protocol on this unix socket")
	traceFile = flag.String("trace", "", "write an operation trace to this file")
	verbose   = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("mdx failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if *traceFile != "" {
		if err := trace.OpenFile(*traceFile); err != nil {
			return err
		}
		defer trace.Close()
	}

	board, err := topology.LoadBoardFile(*boardPath)
	if err != nil {
		return err
	}

	mapper := memmap.NewBufferMapper(uint64(os.Getpagesize()))
	controller := sim.NewController(0xfee0_0000, 256)
	domain := msi.NewDomain(&board.Controller, controller, slog.Default())

	var devices []*mediator.Device
	defer func() {
		for _, d := range devices {
			if err := d.Close(); err != nil {
				slog.Warn("close device", "error", err)
			}
		}
	}()

	for _, spec := range board.Devices {
		dev, err := mediator.Open(sim.FromSpec(spec, mapper), mediator.Options{
			Mapper: mapper,
			IRQs:   domain,
		})
		if err != nil {
			return fmt.Errorf("open %s: %w", spec.Name, err)
		}
		devices = append(devices, dev)
		slog.Info("opened device", "name", spec.Name,
			"regions", len(dev.Regions()), "msi", spec.MSICount)
	}

	if *socket == "" {
		return dumpInfo(devices)
	}
	return serve(devices)
}

func dumpInfo(devices []*mediator.Device) error {
	for i, dev := range devices {
		bd := dev.Bus()
		fmt.Printf("device %d: %s (bus %d, device %d, requester %#04x)\n",
			i, bd.Name(), bd.BusNumber(), bd.DeviceNumber(), bd.RequesterID())
		for j, region := range dev.Regions() {
			fmt.Printf("  region %d: addr=%#x size=%#x flags=%s\n",
				j, region.Addr, region.Size, flagString(region.Flags))
		}
		fmt.Printf("  irq slot 0: %d vectors (eventfd)\n", bd.MSICount())
	}
	return nil
}

func flagString(flags mediator.RegionFlags) string {
	out := ""
	if flags&mediator.FlagRead != 0 {
		out += "r"
	}
	if flags&mediator.FlagWrite != 0 {
		out += "w"
	}
	if flags&mediator.FlagMMap != 0 {
		out += "m"
	}
	return out
}

func serve(devices []*mediator.Device) error {
	server, err := ipc.NewServer(*socket, devices, slog.Default())
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		slog.Info("shutting down")
		server.Close()
	}()

	slog.Info("serving", "socket", *socket, "devices", len(devices))
	return server.Serve()
}
