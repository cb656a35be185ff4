package camsync

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by camsync.
type Portnumbers struct {
	Status int
	Edges  int
}

// Ports globally holds all TCP port numbers used by camsync.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Status = base
	Ports.Edges = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// CamsyncStartTime is a global holding the time init() was run
var CamsyncStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger logs per-session progress messages to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5590)
	CamsyncStartTime = time.Now()

	// Camsync main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
