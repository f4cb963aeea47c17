// Command quantum-echo is a demonstration server that accepts inbound
// Quantum connections and echoes every byte it reads back to the sender,
// wiring the full ambient/domain stack end to end the way the teacher's
// cmd/gateway/main.go wires config, logging, and the service context.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/aetherflow/quantumudp/quantum"
)

var configFile = flag.String("f", "configs/quantum-echo.yaml", "the config file")

func main() {
	flag.Parse()

	cfg, err := quantum.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quantum-echo: using defaults, could not load %s: %v\n", *configFile, err)
		cfg = quantum.DefaultConfig()
	}

	ep, err := quantum.CreateWithConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quantum-echo: bind failed: %v\n", err)
		os.Exit(1)
	}
	defer ep.Destroy()

	fmt.Printf("quantum-echo listening on %s:%s\n", cfg.Host, cfg.Port)

	start := time.Now()
	readBuf := make([]byte, 64*1024)
	for {
		conn, ev, n, err := ep.ReadPoll(readBuf)
		if err != nil && ev != quantum.EventError {
			fmt.Fprintf(os.Stderr, "quantum-echo: read_poll: %v\n", err)
		}
		if ev.Has(quantum.EventData) && conn != nil && n > 0 {
			echo := make([]byte, n)
			copy(echo, readBuf[:n])
			if _, werr := conn.Write(echo); werr != nil {
				fmt.Fprintf(os.Stderr, "quantum-echo: write: %v\n", werr)
			}
		}
		if ev.Has(quantum.EventAgain) {
			nowMs := time.Since(start).Milliseconds()
			next := ep.Tick(nowMs)
			time.Sleep(time.Duration(next) * time.Millisecond)
		}
	}
}
