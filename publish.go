package camsync

// Contains the ZMQ publishers: a status socket carrying JSON-encoded state
// messages for monitoring clients, and an edge socket republishing the
// controller's input edge reports in their wire encoding.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag     string
	message []byte
}

// NewClientUpdate JSON-encodes state for the status port. Encoding failures
// are logged and dropped; a monitoring stream never aborts a session.
func NewClientUpdate(tag string, state any) ClientUpdate {
	msg, err := json.Marshal(state)
	if err != nil {
		ProblemLogger.Printf("could not encode %s update: %v", tag, err)
		msg = []byte("{}")
	}
	return ClientUpdate{tag: tag, message: msg}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, to publish any information that clients need to know.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}, portstatus int) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			pubSocket.SendMessage(update.tag, update.message)
		}
	}
}

// PublishEdges republishes each edge record from its input channel on a ZMQ
// PUB socket, framed as the topic "EDGE" plus the 13-byte wire encoding.
// It terminates when the abort channel is closed.
func PublishEdges(edges <-chan EdgeRecord, abort <-chan struct{}, portnum int) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portnum)); err != nil {
		return
	}

	var buf []byte
	for {
		select {
		case <-abort:
			return
		case rec, ok := <-edges:
			if !ok {
				return
			}
			buf = AppendEdgeRecord(buf[:0], rec)
			pubSocket.SendMessage("EDGE", buf)
		}
	}
}
