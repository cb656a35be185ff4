// Rigsim runs the trigger controller loop over a TCP socket instead of a
// serial port, with simulated pins. Point the camsync daemon (or a test
// script) at it to exercise the full wire protocol with no hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/openrig/camsync"
)

func main() {
	addr := flag.String("addr", "localhost:4770", "address to listen on")
	step := flag.Uint("step", 0, "simulated clock step in µs per read (0 means real time)")
	verbose := flag.Bool("verbose", false, "dump each accepted session config")
	flag.Parse()

	// Output pins wired back to input pins, as the loopback jumpers on a
	// test rig would be. Trigger pulses on 2..5 appear as edges on 14..17.
	wires := map[uint16]uint16{2: 14, 3: 15, 4: 16, 5: 17}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("rigsim: trigger controller listening on %s\n", *addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("rigsim: connection from %s\n", conn.RemoteAddr())
		go serve(conn, wires, uint32(*step), *verbose)
	}
}

func serve(conn net.Conn, wires map[uint16]uint16, step uint32, verbose bool) {
	defer conn.Close()
	pins := camsync.NewSimPinBank()
	for out, in := range wires {
		pins.Wire(out, in)
	}
	var clock camsync.Clock
	if step > 0 {
		clock = camsync.NewSimClock(step)
	} else {
		clock = camsync.NewWallClock()
	}
	ctl := camsync.NewController(conn, clock, pins)
	ctl.Verbose = verbose
	ctl.IdleSleep = 10 * time.Millisecond
	stop := make(chan struct{})
	if err := ctl.Run(stop); err != nil {
		fmt.Printf("rigsim: controller exited: %v\n", err)
	} else {
		fmt.Printf("rigsim: connection closed\n")
	}
}
