// Edgedump subscribes to a camsync daemon's edge port and prints each input
// edge report as it arrives. Handy for eyeballing trigger timing live.
package main

import (
	"flag"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"

	"github.com/openrig/camsync"
)

func main() {
	host := flag.String("host", "localhost", "camsync daemon host")
	port := flag.Int("port", 0, "edge port (0 means the default)")
	flag.Parse()
	if *port == 0 {
		*port = camsync.Ports.Edges
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		log.Fatal(err)
	}
	defer sub.Close()
	if err = sub.Connect(fmt.Sprintf("tcp://%s:%d", *host, *port)); err != nil {
		log.Fatal(err)
	}
	sub.SetSubscribe("EDGE")

	for {
		msg, err := sub.RecvMessageBytes(0)
		if err != nil {
			log.Fatal(err)
		}
		if len(msg) < 2 {
			continue
		}
		rec, err := camsync.DecodeEdgeRecord(msg[1])
		if err != nil {
			fmt.Printf("bad edge record: %v\n", err)
			continue
		}
		fmt.Printf("cycle %6d  t=%8d µs  pin %3d  %s\n",
			rec.Cycle, rec.TimeUS, rec.Pin, edgeName(rec.State))
	}
}

func edgeName(state uint8) string {
	if state == 1 {
		return "rise"
	}
	return "fall"
}
