// Command hopdump attaches to a running producer's shared segment and
// prints its trace, lock-wait, unlock, and core-event records as they
// arrive.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tracewire/tracewire/consumer"
	"github.com/tracewire/tracewire/cycleclock"
	"github.com/tracewire/tracewire/internal/humanize"
)

func main() {
	var (
		flagPID      = flag.Int("pid", 0, "producer process `pid` to attach to")
		flagWorkers  = flag.Int("max-workers", 64, "max concurrent producer `threads` to support")
		flagInterval = flag.Duration("poll", 20*time.Millisecond, "poll `interval`")
		flagClear    = flag.Bool("clear", false, "request the producer clear its buffers on attach")
	)
	flag.Parse()
	if *flagPID <= 0 || flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}

	srv := consumer.NewServer(*flagPID, cycleclock.Now)
	result := srv.AttachWithBackoff(*flagWorkers)
	if result.DuplicateConsumer {
		log.Printf("warning: a prior consumer's connection bits were stale; forced clear and attached anyway")
	}
	defer srv.Detach()

	freq := srv.TSCFrequencyHz()
	fmt.Printf("attached to pid %d: tsc frequency %d Hz, segment size %s\n",
		srv.ProducerPID(), freq, humanize.Bytes(srv.SegmentSize()))

	if *flagClear {
		srv.RequestClear()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigc:
			return
		default:
		}

		if err := srv.Poll(); err != nil {
			log.Fatal(err)
		}
		dump(srv.TakePending(), freq)

		if srv.State() == consumer.ConnectedNoClient {
			log.Printf("producer appears to have exited (no heartbeat)")
			return
		}
		time.Sleep(*flagInterval)
	}
}

func dump(p consumer.Pending, freqHz uint64) {
	for _, tr := range p.Traces {
		name := tr.Fn
		if tr.Class != "" {
			name = tr.Class + "::" + name
		}
		fmt.Printf("trace  thread=%d(%d) %s:%d %s zone=%d depth=%d dur=%s\n",
			tr.ThreadIndex, tr.ThreadID, tr.File, tr.Line, name, tr.Zone, tr.Depth,
			humanize.Duration(cyclesToNs(tr.End-tr.Start, freqHz)))
	}
	for _, lw := range p.LockWaits {
		fmt.Printf("lock   mutex=%#x depth=%d wait=%s\n",
			lw.Mutex, lw.Depth, humanize.Duration(cyclesToNs(lw.End-lw.Start, freqHz)))
	}
	for _, ue := range p.Unlocks {
		fmt.Printf("unlock mutex=%#x\n", ue.Mutex)
	}
	for _, ce := range p.CoreEvents {
		fmt.Printf("core   core=%d dur=%s\n", ce.Core, humanize.Duration(cyclesToNs(ce.End-ce.Start, freqHz)))
	}
	if p.Heartbeats > 0 {
		fmt.Printf("heartbeats: %d\n", p.Heartbeats)
	}
}

func cyclesToNs(cycles, freqHz uint64) uint64 {
	if freqHz == 0 {
		return 0
	}
	return uint64(float64(cycles) / float64(freqHz) * 1e9)
}
