// Command cyphalcap captures transfers from a CAN interface and dumps them
// to stdout or to a newline-delimited JSON log, and replays a previously
// captured log against a (possibly different) interface. A thin CLI over
// pkg/capture, grounded on gocanopen's cmd/canopen_test trace dump, colored
// the way rockstar-0000-aistore's cmd/cli colors its table output.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/pkg/capture"
	"github.com/cyphal-go/gocyphal/pkg/transport/can"
	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "capture":
		runCapture(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cyphalcap capture -iface can0 [-out log.ndjson]")
	fmt.Fprintln(os.Stderr, "       cyphalcap replay -iface can0 -in log.ndjson")
}

func runCapture(args []string) {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	iface := fs.String("iface", "can0", "CAN interface to capture from")
	out := fs.String("out", "", "write captured frames as newline-delimited JSON to this path (optional)")
	duration := fs.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	fs.Parse(args)

	tp, err := can.NewTransport(can.Config{DriverName: "socketcan", Channel: *iface, LocalNodeID: cyphal.AnonymousNodeID})
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening transport:", err)
		os.Exit(1)
	}
	defer tp.Close()

	session, err := capture.NewSession(tp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "starting capture:", err)
		os.Exit(1)
	}

	if *duration > 0 {
		time.Sleep(*duration)
	} else {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()
	}

	transferColor := color.New(color.FgGreen)
	errorColor := color.New(color.FgRed)
	session.Trace(capture.TraceHandlerFuncs{
		OnTransfer: func(t cyphal.Transfer) {
			transferColor.Printf("transfer  src=%-5d dst=%-5d specifier=%v bytes=%d\n", t.SourceNodeID, t.DestNodeID, t.Specifier, len(t.Payload))
		},
		OnError: func(e capture.ReassemblyError) {
			errorColor.Printf("error     src=%-5d specifier=%v reason=%s\n", e.Source, e.Specifier, e.Reason)
		},
	})

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintln(os.Stderr, "creating output file:", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := capture.WriteRecords(f, session.ID, session.Records()); err != nil {
			fmt.Fprintln(os.Stderr, "writing records:", err)
			os.Exit(1)
		}
	}
}

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	iface := fs.String("iface", "can0", "CAN interface to replay onto")
	in := fs.String("in", "", "newline-delimited JSON capture log to replay")
	fs.Parse(args)

	if *in == "" {
		usage()
		os.Exit(2)
	}
	f, err := os.Open(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening capture log:", err)
		os.Exit(1)
	}
	defer f.Close()

	persisted, err := capture.ReadRecords(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading capture log:", err)
		os.Exit(1)
	}
	records := make([]cyphal.CaptureRecord, len(persisted))
	for i, pr := range persisted {
		records[i] = pr.ToCaptureRecord()
	}

	tp, err := can.NewTransport(can.Config{DriverName: "socketcan", Channel: *iface, LocalNodeID: cyphal.AnonymousNodeID})
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening transport:", err)
		os.Exit(1)
	}
	defer tp.Close()

	if err := capture.Replay(context.Background(), tp, records); err != nil {
		fmt.Fprintln(os.Stderr, "replaying:", err)
		os.Exit(1)
	}
	color.New(color.FgGreen).Printf("replayed %d captured frames onto %s\n", len(records), *iface)
}
