package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openrig/camsync"
	"github.com/openrig/camsync/internal/camsyncdb"
	"github.com/openrig/camsync/internal/runjournal"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("BasePath", "$HOME/camsync-data")
	viper.SetDefault("FPS", 30)
	viper.SetDefault("Seconds", 10.0)
	viper.SetDefault("DepthSensors", 0)
	viper.SetDefault("AzureGapUS", 1000)
	viper.SetDefault("UseDB", false)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotCamsync := filepath.Join(HOME, ".camsync")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotCamsync, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/camsync"))
	viper.AddConfigPath(dotCamsync)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	camsync.Build.Date = buildDate
	camsync.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	portName := flag.String("port", "", "serial port of the trigger controller (empty means scan)")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is CAMSYNC version %s\n", camsync.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is CAMSYNC version %s (git commit %s)\n", camsync.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".camsync", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	camsync.ProblemLogger = startLogger(problemname)
	camsync.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	camsync.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	// Only one camsync may own the controller and its cameras at a time.
	lock := flock.New(filepath.Join(HOME, ".camsync", "camsync.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		log.Fatalf("acquire daemon lock: %v", err)
	}
	if !ok {
		log.Fatal("another camsync instance is already running")
	}
	defer lock.Unlock()

	if err := run(*portName); err != nil {
		log.Fatal(err)
	}
	writeMemoryProfile(memprofile)
}

func run(portName string) error {
	if portName == "" {
		var err error
		portName, err = camsync.DiscoverPort(2 * time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("Found trigger controller on %s\n", portName)
	}
	link, err := camsync.OpenSerialLink(portName)
	if err != nil {
		return err
	}
	defer link.Close()

	// Controllers reset when the port opens; wait out the boot.
	if _, err := link.AwaitToken(camsync.ReplyReady, 5*time.Second); err != nil {
		return fmt.Errorf("controller on %s never reported ready: %w", portName, err)
	}

	HOME, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	journal, err := runjournal.Open(filepath.Join(HOME, ".camsync", "journal.sqlite"))
	if err != nil {
		return err
	}
	defer journal.Close()

	abortDB := make(chan struct{})
	defer close(abortDB)
	db := camsyncdb.DummyDBConnection()
	if viper.GetBool("UseDB") {
		hostname, _ := os.Hostname()
		db = camsyncdb.StartDBConnection(&camsyncdb.CamsyncActivityMessage{
			ID:        camsync.NewSessionID(),
			Hostname:  hostname,
			Githash:   camsync.Build.Githash,
			Version:   camsync.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}, abortDB)
	}

	abortPub := make(chan struct{})
	defer close(abortPub)
	updates := make(chan camsync.ClientUpdate, 16)
	edgePub := make(chan camsync.EdgeRecord, 1024)
	go camsync.RunClientUpdater(updates, abortPub, camsync.Ports.Status)
	go camsync.PublishEdges(edgePub, abortPub, camsync.Ports.Edges)

	session, layout, err := sessionFromConfig()
	if err != nil {
		return err
	}
	cameras := camerasFromLayout(layout)

	acq := camsync.NewAcquisition(link, db, journal)
	acq.SetPublishers(updates, edgePub)

	// Ctrl-C interrupts the session cleanly rather than killing the process.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nInterrupting session...")
		acq.Interrupt()
	}()

	basePath := strings.Replace(viper.GetString("BasePath"), "$HOME", HOME, 1)
	report, err := acq.Run(camsync.AcquisitionConfig{
		Session:   session,
		BasePath:  basePath,
		Intention: viper.GetString("Intention"),
		Verbose:   viper.GetBool("Verbose"),
	}, cameras)
	if report != nil {
		printReport(report)
	}
	return err
}

// sessionFromConfig compiles the viper settings into a trigger session.
func sessionFromConfig() (*camsync.SessionConfig, *camsync.TriggerLayout, error) {
	fps := viper.GetInt("FPS")
	framePeriod := uint32(0)
	for _, p := range camsync.SupportedFramePeriods() {
		if int(1e6)/int(p) == fps {
			framePeriod = p
		}
	}
	if framePeriod == 0 {
		return nil, nil, fmt.Errorf("unsupported FPS %d", fps)
	}

	layout := &camsync.TriggerLayout{
		TopCameraPins:    pinList(viper.GetIntSlice("TopCameraPins"), []uint16{2}),
		BottomCameraPins: pinList(viper.GetIntSlice("BottomCameraPins"), nil),
		TopLightPins:     pinList(viper.GetIntSlice("TopLightPins"), nil),
		BottomLightPins:  pinList(viper.GetIntSlice("BottomLightPins"), nil),
		DepthTriggerPins: pinList(viper.GetIntSlice("DepthTriggerPins"), nil),
		InputPins:        pinList(viper.GetIntSlice("InputPins"), []uint16{14}),
		RandomOutputPins: pinList(viper.GetIntSlice("RandomOutputPins"), nil),

		FramePeriodUS:    framePeriod,
		NumDepth:         viper.GetInt("DepthSensors"),
		TriggerPulseUS:   viper.GetUint32("TriggerPulseUS"),
		DepthPulseUS:     viper.GetUint32("DepthPulseUS"),
		TopLightDurUS:    viper.GetUint32("TopLightDurUS"),
		BottomLightDurUS: viper.GetUint32("BottomLightDurUS"),
		BottomOffsetUS:   viper.GetUint32("BottomOffsetUS"),
		DepthCameraGapUS: viper.GetUint32("AzureGapUS"),
	}
	if layout.TriggerPulseUS == 0 {
		layout.TriggerPulseUS = 100
	}
	if layout.TopLightDurUS == 0 {
		layout.TopLightDurUS = 2000
	}
	if len(layout.BottomLightPins) > 0 && layout.BottomLightDurUS == 0 {
		layout.BottomLightDurUS = 2000
	}
	if layout.NumDepth > 0 && layout.DepthPulseUS == 0 {
		layout.DepthPulseUS = 100
	}
	if err := layout.Validate(); err != nil {
		return nil, nil, err
	}
	seconds := viper.GetFloat64("Seconds")
	numCycles := camsync.CyclesForDuration(
		time.Duration(seconds*float64(time.Second)), layout.CycleDurationUS())
	session, err := layout.BuildSession(numCycles)
	if err != nil {
		return nil, nil, err
	}
	return session, layout, nil
}

func pinList(cfg []int, fallback []uint16) []uint16 {
	if len(cfg) == 0 {
		return fallback
	}
	pins := make([]uint16, len(cfg))
	for i, p := range cfg {
		pins[i] = uint16(p)
	}
	return pins
}

// camerasFromLayout builds one null camera per trigger pin. Real deployments
// substitute their vendor drivers here; the daemon's wiring is identical.
func camerasFromLayout(layout *camsync.TriggerLayout) []camsync.CameraSpec {
	var specs []camsync.CameraSpec
	period := time.Duration(layout.FramePeriodUS) * time.Microsecond
	for i, pin := range layout.TopCameraPins {
		specs = append(specs, camsync.CameraSpec{
			Name:     fmt.Sprintf("top%d", i),
			Cam:      camsync.NewSimCamera(fmt.Sprintf("top%d", i), period),
			Settings: camsync.CameraSettings{TriggerPin: pin, FramePeriodUS: layout.FramePeriodUS},
		})
	}
	for i, pin := range layout.BottomCameraPins {
		specs = append(specs, camsync.CameraSpec{
			Name:     fmt.Sprintf("bottom%d", i),
			Cam:      camsync.NewSimCamera(fmt.Sprintf("bottom%d", i), period),
			Settings: camsync.CameraSettings{TriggerPin: pin, FramePeriodUS: layout.FramePeriodUS},
		})
	}
	return specs
}

func printReport(r *camsync.SessionReport) {
	fmt.Printf("\nSession %s finished (interrupted=%v)\n", r.SessionID, r.Interrupted)
	fmt.Printf("  %d input edges recorded in %s\n", r.Edges, r.Directory)
	for name, counts := range r.Cameras {
		fmt.Printf("  camera %-10s grabbed=%d written=%d timeouts=%d drops=%d\n",
			name, counts.Grabbed, counts.Written, counts.Timeouts, counts.QueueDrops)
	}
	for _, js := range r.Jitter {
		fmt.Printf("  pin %d: %d intervals, mean %.1f us, stddev %.2f us, worst %.1f us\n",
			js.Pin, js.Count, js.MeanUS, js.StddevUS, js.WorstDevUS)
	}
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
